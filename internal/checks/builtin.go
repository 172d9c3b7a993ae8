package checks

import (
	"errors"
	"fmt"
	"time"

	"example.com/fitsgate/internal/fits"
)

func (e *Engine) registerBuiltins() {
	e.Register(Check{
		CheckId: "FITS-STRUCT-001",
		Name:    "stream structure",
		Refs:    []string{"FITS 4.0 §3.1"},
		Func:    CheckStructure,
	})
	e.Register(Check{
		CheckId: "FITS-HDR-001",
		Name:    "header advisories",
		Refs:    []string{"FITS 4.0 §4.4"},
		Func:    CheckHeaderWarnings,
	})
	e.Register(Check{
		CheckId: "FITS-HDR-002",
		Name:    "non-image frames",
		Refs:    []string{"FITS 4.0 §7"},
		Func:    CheckSkippedFrames,
	})
	e.Register(Check{
		CheckId: "FITS-IMG-001",
		Name:    "image decodability",
		Refs:    []string{"FITS 4.0 §5.2"},
		Func:    CheckImageDecode,
	})
	e.Register(Check{
		CheckId: "FITS-IMG-002",
		Name:    "displayable content",
		Refs:    []string{"FITS 4.0 §3.3.2"},
		Func:    CheckHasImage,
	})
}

func (chk Check) finding(ctx *Context, sev Severity, msg string) Diagnostic {
	return Diagnostic{
		Ts:       time.Now(),
		File:     ctx.InputFile,
		CheckId:  chk.CheckId,
		Severity: sev,
		Message:  msg,
		Refs:     chk.Refs,
	}
}

// CheckStructure verifies that the stream scans end to end: a valid primary
// header, well-formed extension headers and no truncation.
func CheckStructure(ctx *Context, chk Check) []Diagnostic {
	if ctx.ScanErr != nil {
		sev := ERROR
		msg := fmt.Sprintf("scan failed: %v", ctx.ScanErr)
		if errors.Is(ctx.ScanErr, fits.ErrTruncated) {
			msg = fmt.Sprintf("stream truncated after %d complete frames: %v", len(completeFrames(ctx)), ctx.ScanErr)
		}
		return []Diagnostic{chk.finding(ctx, sev, msg)}
	}
	if ctx.Index == nil || len(ctx.Index.Frames) == 0 {
		return []Diagnostic{chk.finding(ctx, ERROR, "no frames found")}
	}
	return []Diagnostic{chk.finding(ctx, INFO, fmt.Sprintf("%d frames scanned", len(ctx.Index.Frames)))}
}

func completeFrames(ctx *Context) []fits.FrameIndex {
	if ctx.Index == nil {
		return nil
	}
	return ctx.Index.Frames
}

// CheckHeaderWarnings surfaces the advisories each header raised while
// parsing, such as SIMPLE = F or BLANK on floating point data.
func CheckHeaderWarnings(ctx *Context, chk Check) []Diagnostic {
	if ctx.Index == nil {
		return nil
	}
	var diags []Diagnostic
	for i, fr := range ctx.Index.Frames {
		for _, w := range fr.Warnings {
			d := chk.finding(ctx, WARN, w)
			d.FrameIndex = i
			d.Offset = fr.Offset
			diags = append(diags, d)
		}
	}
	return diags
}

// CheckSkippedFrames reports frames that were sized and skipped because they
// carry no displayable image.
func CheckSkippedFrames(ctx *Context, chk Check) []Diagnostic {
	if ctx.Index == nil {
		return nil
	}
	var diags []Diagnostic
	for i, fr := range ctx.Index.Frames {
		if fr.Image {
			continue
		}
		kind := "no image data"
		if fr.Groups {
			kind = "random groups record"
		} else if fr.Extension {
			kind = "non-image extension"
		}
		d := chk.finding(ctx, INFO, fmt.Sprintf("frame skipped: %s (%d payload bytes)", kind, fr.PaddedDataBytes))
		d.FrameIndex = i
		d.Offset = fr.Offset
		diags = append(diags, d)
	}
	return diags
}

// CheckImageDecode decodes every image frame and reports the ones whose
// samples cannot be turned into pixels.
func CheckImageDecode(ctx *Context, chk Check) []Diagnostic {
	if ctx.Index == nil || ctx.InputFile == "" {
		return nil
	}
	sc, err := fits.NewScanner(ctx.InputFile)
	if err != nil {
		return []Diagnostic{chk.finding(ctx, ERROR, fmt.Sprintf("cannot reopen input: %v", err))}
	}
	defer sc.Close()

	var diags []Diagnostic
	frame := -1
	for {
		h, idx, err := sc.Next()
		if err != nil {
			break
		}
		frame++
		if !idx.Image {
			continue
		}
		payload, err := sc.Payload()
		if err != nil {
			d := chk.finding(ctx, ERROR, fmt.Sprintf("payload read failed: %v", err))
			d.FrameIndex = frame
			d.Offset = idx.Offset
			diags = append(diags, d)
			continue
		}
		if _, err := fits.DecodeImage(h, payload, fits.DecodeOptions{BlankValue: ctx.BlankValue}); err != nil {
			d := chk.finding(ctx, ERROR, fmt.Sprintf("decode failed: %v", err))
			d.FrameIndex = frame
			d.Offset = idx.Offset
			diags = append(diags, d)
		}
	}
	if len(diags) == 0 {
		diags = append(diags, chk.finding(ctx, INFO, fmt.Sprintf("%d image frames decoded", ctx.Index.ImageFrames)))
	}
	return diags
}

// CheckHasImage flags streams that scan cleanly but display nothing.
func CheckHasImage(ctx *Context, chk Check) []Diagnostic {
	if ctx.Index == nil {
		return nil
	}
	if ctx.Index.ImageFrames == 0 {
		return []Diagnostic{chk.finding(ctx, WARN, "stream holds no displayable image")}
	}
	return nil
}
