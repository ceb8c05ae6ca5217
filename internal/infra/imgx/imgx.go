package imgx

import (
	"bufio"
	"errors"
	"fmt"
	"image"
	"io"
	"math/bits"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp" // imaging 已注册 jpeg/png/gif/bmp/tiff，这里补上 webp
)

// HashWidth/HashHeight 决定梯度哈希的采样网格：每行比较相邻 9 个像素得到 8 位，共 64 位。
const (
	HashWidth  = 9
	HashHeight = 8
)

var imageExts = map[string]struct{}{
	"jpg": {}, "jpeg": {}, "png": {}, "gif": {}, "bmp": {}, "tif": {}, "tiff": {}, "webp": {},
}

// IsImageExt 判断扩展名（小写、不带点）是否为可解码的图片格式。
func IsImageExt(ext string) bool {
	_, ok := imageExts[strings.ToLower(strings.TrimPrefix(ext, "."))]
	return ok
}

// DHash 解码图片并计算 64 位梯度哈希（dHash）。
//
// 约束：
// - 先按 EXIF 方向校正，再灰度化并缩放到 9x8
// - 每一位表示“左像素比右像素亮”，对整体亮度/对比度变化不敏感
func DHash(r io.Reader) (uint64, error) {
	img, err := imaging.Decode(bufio.NewReader(r), imaging.AutoOrientation(true))
	if err != nil {
		return 0, err
	}
	return DHashImage(img)
}

// DHashImage 对已解码图片计算梯度哈希。
func DHashImage(img image.Image) (uint64, error) {
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return 0, errors.New("图片尺寸无效")
	}

	small := imaging.Resize(imaging.Grayscale(img), HashWidth, HashHeight, imaging.Lanczos)

	var h uint64
	for y := 0; y < HashHeight; y++ {
		for x := 0; x < HashWidth-1; x++ {
			h <<= 1
			if gray(small, x, y) > gray(small, x+1, y) {
				h |= 1
			}
		}
	}
	return h, nil
}

// gray 读取灰度图（R=G=B）中的亮度值。
func gray(img *image.NRGBA, x, y int) uint8 {
	return img.Pix[img.PixOffset(x, y)]
}

// FormatHash 把哈希编码为定宽 16 位小写 hex。
func FormatHash(h uint64) string {
	return fmt.Sprintf("%016x", h)
}

// ParseHash 是 FormatHash 的逆操作。
func ParseHash(s string) (uint64, error) {
	if len(s) != 16 {
		return 0, fmt.Errorf("dhash 长度应为 16，实际 %d：%q", len(s), s)
	}
	return strconv.ParseUint(s, 16, 64)
}

// Hamming 返回两个哈希之间不同的位数。
func Hamming(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}
