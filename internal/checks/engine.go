package checks

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"os"
	"time"

	"example.com/fitsgate/internal/common"
	"example.com/fitsgate/internal/fits"
)

type Severity string

const (
	ERROR Severity = "ERROR"
	WARN  Severity = "WARN"
	INFO  Severity = "INFO"
)

// Check is one inspection applied to a scanned FITS stream.
type Check struct {
	CheckId string
	Name    string
	Refs    []string
	Func    CheckFunc
}

type CheckFunc func(ctx *Context, chk Check) []Diagnostic

// Diagnostic is one finding emitted by a check.
type Diagnostic struct {
	Ts         time.Time `json:"ts"`
	File       string    `json:"file"`
	FrameIndex int       `json:"frameIndex,omitempty"`
	Offset     int64     `json:"offset,omitempty"`
	CheckId    string    `json:"checkId"`
	Severity   Severity  `json:"severity"`
	Message    string    `json:"message"`
	Refs       []string  `json:"refs"`
}

// AcceptanceReport summarizes a full check run. Pass means no ERROR
// findings.
type AcceptanceReport struct {
	Summary struct {
		Total    int  `json:"total"`
		Errors   int  `json:"errors"`
		Warnings int  `json:"warnings"`
		Pass     bool `json:"pass"`
	} `json:"summary"`
	Findings []Diagnostic `json:"findings,omitempty"`
}

// Context carries the scanned state shared across checks. The index is built
// once on first use; a scan failure is recorded rather than returned so the
// structural check can report it.
type Context struct {
	InputFile  string
	BlankValue uint16
	Metrics    *common.Metrics

	Index   *fits.FileIndex
	ScanErr error

	scanned bool
}

// EnsureIndex scans the input file once and caches the frame index. The
// index covers every frame that parsed before the first failure.
func (ctx *Context) EnsureIndex() error {
	if ctx == nil {
		return errors.New("nil context")
	}
	if ctx.scanned || ctx.InputFile == "" {
		return nil
	}
	ctx.scanned = true
	sc, err := fits.NewScanner(ctx.InputFile)
	if err != nil {
		ctx.Index = &fits.FileIndex{}
		ctx.ScanErr = err
		return nil
	}
	defer sc.Close()
	sc.SetMetrics(ctx.Metrics)
	var scanErr error
	for {
		_, _, err := sc.Next()
		if err == nil {
			continue
		}
		if !errors.Is(err, io.EOF) {
			scanErr = err
		}
		break
	}
	idx := sc.Index()
	ctx.Index = &idx
	ctx.ScanErr = scanErr
	return nil
}

type Engine struct {
	checks      []Check
	diagnostics []Diagnostic
}

// NewEngine returns an engine loaded with the builtin checks.
func NewEngine() *Engine {
	e := &Engine{}
	e.registerBuiltins()
	return e
}

func (e *Engine) Register(chk Check) {
	e.checks = append(e.checks, chk)
}

// Eval runs every check against ctx and returns the combined findings.
func (e *Engine) Eval(ctx *Context) ([]Diagnostic, error) {
	if ctx == nil {
		return nil, errors.New("nil context")
	}
	if err := ctx.EnsureIndex(); err != nil {
		return nil, err
	}
	var diags []Diagnostic
	for _, chk := range e.checks {
		diags = append(diags, chk.Func(ctx, chk)...)
	}
	e.diagnostics = diags
	return diags, nil
}

// WriteDiagnosticsNDJSON writes the findings of the last Eval, one JSON
// object per line.
func (e *Engine) WriteDiagnosticsNDJSON(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	defer w.Flush()
	return e.EncodeDiagnosticsNDJSON(w)
}

// EncodeDiagnosticsNDJSON streams the findings of the last Eval to w.
func (e *Engine) EncodeDiagnosticsNDJSON(w io.Writer) error {
	for _, d := range e.diagnostics {
		b, err := json.Marshal(d)
		if err != nil {
			return err
		}
		if _, err := w.Write(append(b, '\n')); err != nil {
			return err
		}
	}
	return nil
}

// MakeAcceptance folds the findings of the last Eval into a report.
func (e *Engine) MakeAcceptance() AcceptanceReport {
	var rep AcceptanceReport
	var errs, warns int
	for _, d := range e.diagnostics {
		switch d.Severity {
		case ERROR:
			errs++
		case WARN:
			warns++
		}
	}
	rep.Summary.Total = len(e.diagnostics)
	rep.Summary.Errors = errs
	rep.Summary.Warnings = warns
	rep.Summary.Pass = errs == 0
	rep.Findings = e.diagnostics
	return rep
}
