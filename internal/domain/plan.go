package domain

// MovePlan 规划一次隔离移动（只描述 src/dst；真正执行在所有哈希完成之后串行进行）。
//
// Conflict 非空表示规划阶段已经确定该移动会撞名（值为占用该名字的来源描述），
// 执行阶段必须跳过并如实上报，绝不覆盖。
type MovePlan struct {
	Src    string
	Dst    string
	Name   string
	Hash   string
	Keeper string

	Conflict string
}

// QuarantineState 描述隔离目录的现状（只做 ReadDir，不读内容）。
type QuarantineState struct {
	Dir string

	// ExistingNames 是目录内现有文件名集合，用于 O(1) 冲突判定。
	ExistingNames map[string]struct{}
}
