package main

import (
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// progressBars renders a file counter and a byte counter for transfer
// operations.
type progressBars struct {
	p     *mpb.Progress
	files *mpb.Bar
	bytes *mpb.Bar
}

// newProgressBars creates the two bars for a transfer of totalFiles files
// with totalBytes bytes.
func newProgressBars(totalFiles int, totalBytes int64) *progressBars {
	p := mpb.New(mpb.WithWidth(48))
	files := p.AddBar(int64(totalFiles),
		mpb.PrependDecorators(
			decor.Name("files "),
			decor.CountersNoUnit("%d / %d"),
		),
		mpb.AppendDecorators(decor.Percentage()),
	)
	bytes := p.AddBar(totalBytes,
		mpb.PrependDecorators(
			decor.Name("bytes "),
			decor.CountersKibiByte("% .1f / % .1f"),
		),
		mpb.AppendDecorators(decor.AverageSpeed(decor.SizeB1024(0), "% .1f")),
	)
	return &progressBars{p: p, files: files, bytes: bytes}
}

// onFile advances both bars by one processed file
func (me *progressBars) onFile(symbolic string, size int64, status string) {
	me.files.Increment()
	me.bytes.IncrInt64(size)
}

// wait completes rendering; call after the transfer finished
func (me *progressBars) wait() {
	me.files.SetTotal(-1, true)
	me.bytes.SetTotal(-1, true)
	me.p.Wait()
}
