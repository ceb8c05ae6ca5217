package domain

import (
	"errors"
	"testing"
)

func TestParseAlgorithm(t *testing.T) {
	cases := map[string]Algorithm{
		"":           AlgoSHA256,
		"SHA256":     AlgoSHA256,
		"crypto":     AlgoSHA256,
		" blake2b ":  AlgoBLAKE2b,
		"fast":       AlgoXXHash,
		"xxh64":      AlgoXXHash,
		"dhash":      AlgoDHash,
		"text":       AlgoText,
		"perceptual": AlgoPerceptual,
	}
	for in, want := range cases {
		got, err := ParseAlgorithm(in)
		if err != nil {
			t.Fatalf("ParseAlgorithm(%q) 不期望错误：%v", in, err)
		}
		if got != want {
			t.Fatalf("ParseAlgorithm(%q)=%q，期望 %q", in, got, want)
		}
	}

	if _, err := ParseAlgorithm("md5"); !errors.Is(err, ErrUnknownAlgorithm) {
		t.Fatalf("期望 ErrUnknownAlgorithm，实际：%v", err)
	}
}

func TestAlgorithm_Class(t *testing.T) {
	if AlgoSHA256.Class() != ClassExactCrypto || AlgoBLAKE2b.Class() != ClassExactCrypto {
		t.Fatalf("sha256/blake2b 应属于 exact-crypto")
	}
	if AlgoXXHash.Class() != ClassExactFast {
		t.Fatalf("xxhash 应属于 exact-fast")
	}
	if !AlgoDHash.IsPerceptual() || !AlgoText.IsPerceptual() || AlgoSHA256.IsPerceptual() {
		t.Fatalf("IsPerceptual 判定不正确")
	}
}

func TestDuplicateGroup_KeeperAndWasted(t *testing.T) {
	g := DuplicateGroup{
		Algorithm: AlgoSHA256,
		Hash:      "h",
		Members: []Fingerprint{
			{Path: "/a", Seq: 0, Size: 10},
			{Path: "/b", Seq: 3, Size: 10},
			{Path: "/c", Seq: 5, Size: 10},
		},
	}
	if g.Keeper().Path != "/a" {
		t.Fatalf("keeper 应为 Seq 最小的成员：%q", g.Keeper().Path)
	}
	if len(g.Duplicates()) != 2 || g.Wasted() != 20 {
		t.Fatalf("duplicates/wasted 不正确：%d %d", len(g.Duplicates()), g.Wasted())
	}
}
