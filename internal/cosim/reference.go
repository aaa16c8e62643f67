package cosim

import (
	"math"

	"github.com/23skdu/longbow-nock/internal/kernel"
)

// All reference functions take and return logical row-major N,C,H,W data.

func at(d [4]int, n, c, h, w int) int {
	return ((n*d[1]+c)*d[2]+h)*d[3] + w
}

// PoolingForward returns dst and, for max pooling, the argmax window
// positions.
func PoolingForward(src []float32, srcDims, dstDims [4]int, p kernel.PoolingDesc) (dst, ws []float32) {
	dst = make([]float32, dstDims[0]*dstDims[1]*dstDims[2]*dstDims[3])
	if p.Algo == kernel.PoolingMax {
		ws = make([]float32, len(dst))
	}
	for n := 0; n < dstDims[0]; n++ {
		for c := 0; c < dstDims[1]; c++ {
			for oh := 0; oh < dstDims[2]; oh++ {
				for ow := 0; ow < dstDims[3]; ow++ {
					o := at(dstDims, n, c, oh, ow)
					var best float32
					pos := 0
					var sum float32
					inside, span := 0, 0
					for kh := 0; kh < p.KH; kh++ {
						h := oh*p.SY - p.PadLH + kh
						if h >= srcDims[2]+p.PadRH {
							break
						}
						for kw := 0; kw < p.KW; kw++ {
							w := ow*p.SX - p.PadLW + kw
							if w >= srcDims[3]+p.PadRW {
								break
							}
							span++
							if h < 0 || h >= srcDims[2] || w < 0 || w >= srcDims[3] {
								continue
							}
							inside++
							v := src[at(srcDims, n, c, h, w)]
							sum += v
							if inside == 1 || v > best {
								best, pos = v, kh*p.KW+kw
							}
						}
					}
					switch p.Algo {
					case kernel.PoolingMax:
						dst[o] = best
						ws[o] = float32(pos)
					case kernel.PoolingAvgIncludePadding:
						dst[o] = sum / float32(span)
					default:
						if inside > 0 {
							dst[o] = sum / float32(inside)
						}
					}
				}
			}
		}
	}
	return dst, ws
}

// PoolingBackward returns diff_src. ws holds argmax positions and is only
// read for max pooling.
func PoolingBackward(diffDst, ws []float32, srcDims, dstDims [4]int, p kernel.PoolingDesc) []float32 {
	diffSrc := make([]float32, srcDims[0]*srcDims[1]*srcDims[2]*srcDims[3])
	for n := 0; n < dstDims[0]; n++ {
		for c := 0; c < dstDims[1]; c++ {
			for oh := 0; oh < dstDims[2]; oh++ {
				for ow := 0; ow < dstDims[3]; ow++ {
					o := at(dstDims, n, c, oh, ow)
					g := diffDst[o]
					if p.Algo == kernel.PoolingMax {
						pos := int(ws[o])
						h := oh*p.SY - p.PadLH + pos/p.KW
						w := ow*p.SX - p.PadLW + pos%p.KW
						if h >= 0 && h < srcDims[2] && w >= 0 && w < srcDims[3] {
							diffSrc[at(srcDims, n, c, h, w)] += g
						}
						continue
					}

					var cells []int
					span := 0
					for kh := 0; kh < p.KH; kh++ {
						h := oh*p.SY - p.PadLH + kh
						if h >= srcDims[2]+p.PadRH {
							break
						}
						for kw := 0; kw < p.KW; kw++ {
							w := ow*p.SX - p.PadLW + kw
							if w >= srcDims[3]+p.PadRW {
								break
							}
							span++
							if h >= 0 && h < srcDims[2] && w >= 0 && w < srcDims[3] {
								cells = append(cells, at(srcDims, n, c, h, w))
							}
						}
					}
					div := len(cells)
					if p.Algo == kernel.PoolingAvgIncludePadding {
						div = span
					}
					if div == 0 {
						continue
					}
					for _, i := range cells {
						diffSrc[i] += g / float32(div)
					}
				}
			}
		}
	}
	return diffSrc
}

func bnDims(dims []int) [4]int {
	if len(dims) == 2 {
		return [4]int{dims[0], dims[1], 1, 1}
	}
	return [4]int{dims[0], dims[1], dims[2], dims[3]}
}

// BatchNormForward normalizes src. When mean is nil the batch statistics
// are computed and returned; w is [scale..., shift...] or nil.
func BatchNormForward(src []float32, dims []int, w, mean, variance []float32, eps float32) (dst, outMean, outVar []float32) {
	d := bnDims(dims)
	C := d[1]
	m := float64(d[0] * d[2] * d[3])
	dst = make([]float32, len(src))
	outMean, outVar = mean, variance
	if mean == nil {
		outMean, outVar = make([]float32, C), make([]float32, C)
		for c := 0; c < C; c++ {
			var sum float64
			forChannel(d, c, func(i int) { sum += float64(src[i]) })
			mu := sum / m
			var sq float64
			forChannel(d, c, func(i int) { sq += (float64(src[i]) - mu) * (float64(src[i]) - mu) })
			outMean[c], outVar[c] = float32(mu), float32(sq/m)
		}
	}
	for c := 0; c < C; c++ {
		scale, shift := 1.0, 0.0
		if w != nil {
			scale, shift = float64(w[c]), float64(w[C+c])
		}
		inv := 1 / math.Sqrt(float64(outVar[c])+float64(eps))
		mu := float64(outMean[c])
		forChannel(d, c, func(i int) {
			dst[i] = float32((float64(src[i])-mu)*inv*scale + shift)
		})
	}
	return dst, outMean, outVar
}

// BatchNormBackward returns diff_src and, when w is given, diff_w.
func BatchNormBackward(src, diffDst, mean, variance, w []float32, dims []int, eps float32) (diffSrc, diffW []float32) {
	d := bnDims(dims)
	C := d[1]
	m := float64(d[0] * d[2] * d[3])
	diffSrc = make([]float32, len(src))
	if w != nil {
		diffW = make([]float32, 2*C)
	}
	for c := 0; c < C; c++ {
		mu := float64(mean[c])
		inv := 1 / math.Sqrt(float64(variance[c])+float64(eps))
		var dShift, dScale float64
		forChannel(d, c, func(i int) {
			dShift += float64(diffDst[i])
			dScale += float64(diffDst[i]) * (float64(src[i]) - mu) * inv
		})
		scale := 1.0
		if w != nil {
			scale = float64(w[c])
			diffW[c], diffW[C+c] = float32(dScale), float32(dShift)
		}
		forChannel(d, c, func(i int) {
			xhat := (float64(src[i]) - mu) * inv
			diffSrc[i] = float32(scale * inv * (float64(diffDst[i]) - dShift/m - xhat*dScale/m))
		})
	}
	return diffSrc, diffW
}

func forChannel(d [4]int, c int, f func(i int)) {
	for n := 0; n < d[0]; n++ {
		for h := 0; h < d[2]; h++ {
			for w := 0; w < d[3]; w++ {
				f(at(d, n, c, h, w))
			}
		}
	}
}
