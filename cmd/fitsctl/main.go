package main

import (
	"errors"
	"flag"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"example.com/fitsgate/internal/checks"
	"example.com/fitsgate/internal/common"
	"example.com/fitsgate/internal/fits"
	"example.com/fitsgate/internal/manifest"
	"example.com/fitsgate/internal/report"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}
	cmd := os.Args[1]
	switch cmd {
	case "info":
		infoCmd(os.Args[2:])
	case "check":
		checkCmd(os.Args[2:])
	case "convert":
		convertCmd(os.Args[2:])
	case "encode":
		encodeCmd(os.Args[2:])
	case "report":
		reportCmd(os.Args[2:])
	case "manifest":
		manifestCmd(os.Args[2:])
	default:
		usage()
	}
}

func usage() {
	fmt.Printf(`fitsctl %s (built %s) <command> [options]

Commands:
  info      --in <file.fits> [--meta]
  check     --in <file.fits> [--blank <value>] --out <diagnostics.ndjson> --acceptance <acceptance.json> [--pdf <report.pdf>]
  convert   --in <file.fits> --out <image.png> [--frame <n>] [--blank <value>]
  encode    --inputs <comma-separated images> --out <file.fits>
  report    --acceptance <acceptance.json> --pdf <report.pdf> [--in <file.fits>] [--qr <hash.png>]
  manifest  --inputs <comma-separated> --out <manifest.json>
`, version, buildDate)
}

func infoCmd(args []string) {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	in := fs.String("in", "", "input FITS file")
	showMeta := fs.Bool("meta", false, "print header metadata for each frame")
	fs.Parse(args)

	if *in == "" {
		fmt.Println("required: --in")
		os.Exit(1)
	}

	sc, err := fits.NewScanner(*in)
	if err != nil {
		fmt.Println("open input:", err)
		os.Exit(1)
	}
	defer sc.Close()

	type frameInfo struct {
		idx  fits.FrameIndex
		meta fits.Metadata
	}
	var frames []frameInfo
	var scanErr error
	for {
		h, idx, err := sc.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			scanErr = err
			break
		}
		frames = append(frames, frameInfo{idx: idx, meta: h.Meta})
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "#\tKIND\tBITPIX\tAXES\tDATA\tIMAGE")
	for i, fr := range frames {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%v\n",
			i,
			frameKind(fr.idx),
			fr.idx.Bitpix,
			axesLabel(fr.idx.Axes),
			common.FormatBytes(fr.idx.DataBytes),
			fr.idx.Image,
		)
	}
	w.Flush()

	idx := sc.Index()
	fmt.Printf("Frames: %d (%d image, %d skipped)\n", len(idx.Frames), idx.ImageFrames, idx.SkippedFrames)
	for i, fr := range frames {
		for _, warn := range fr.idx.Warnings {
			fmt.Printf("Frame %d warning: %s\n", i, warn)
		}
	}
	if *showMeta {
		for i, fr := range frames {
			fmt.Printf("Frame %d header:\n", i)
			for _, k := range fr.meta.Keys() {
				v, _ := fr.meta.Get(k)
				fmt.Printf("  %-8s = %s\n", k, v)
			}
		}
	}
	if scanErr != nil {
		fmt.Println("scan:", scanErr)
		os.Exit(1)
	}
}

func frameKind(idx fits.FrameIndex) string {
	switch {
	case idx.Groups:
		return "groups"
	case idx.RGB:
		return "color"
	case idx.Extension:
		return "extension"
	default:
		return "primary"
	}
}

func axesLabel(axes []int) string {
	if len(axes) == 0 {
		return "-"
	}
	parts := make([]string, len(axes))
	for i, n := range axes {
		parts[i] = fmt.Sprintf("%d", n)
	}
	return strings.Join(parts, "x")
}

func checkCmd(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	in := fs.String("in", "", "input FITS file")
	blank := fs.Uint("blank", 0, "replacement value for blank pixels")
	outDiag := fs.String("out", "diagnostics.ndjson", "diagnostics output")
	outAcc := fs.String("acceptance", "acceptance_report.json", "acceptance json")
	pdfPath := fs.String("pdf", "", "inspection report PDF output")
	metricsFlag := fs.Bool("metrics", false, "print scan throughput metrics")
	progressFlag := fs.Bool("progress", false, "display scan progress updates")
	fs.Parse(args)

	if *in == "" {
		fmt.Println("required: --in")
		os.Exit(1)
	}

	var metrics *common.Metrics
	if *metricsFlag || *progressFlag {
		metrics = common.NewMetrics()
	}

	engine := checks.NewEngine()
	ctx := &checks.Context{InputFile: *in, BlankValue: uint16(*blank), Metrics: metrics}
	if metrics != nil {
		metrics.Start()
	}
	var stopProgress func()
	if metrics != nil && *progressFlag {
		stopProgress = common.StartProgressPrinter(os.Stderr, metrics, 500*time.Millisecond)
	}
	diags, err := engine.Eval(ctx)
	if stopProgress != nil {
		stopProgress()
	}
	if metrics != nil {
		metrics.Stop()
	}
	if err != nil {
		fmt.Println("eval:", err)
		os.Exit(1)
	}

	if err := engine.WriteDiagnosticsNDJSON(*outDiag); err != nil {
		fmt.Println("write diags:", err)
		os.Exit(1)
	}
	rep := engine.MakeAcceptance()
	if err := report.SaveAcceptanceJSON(rep, *outAcc); err != nil {
		fmt.Println("write report:", err)
		os.Exit(1)
	}
	if *pdfPath != "" {
		var idx fits.FileIndex
		if ctx.Index != nil {
			idx = *ctx.Index
		}
		if err := report.SaveInspectionPDF(rep, idx, *pdfPath); err != nil {
			fmt.Println("write pdf:", err)
			os.Exit(1)
		}
	}
	fmt.Printf("PASS=%v, errors=%d, warnings=%d, diagnostics=%d\n", rep.Summary.Pass, rep.Summary.Errors, rep.Summary.Warnings, len(diags))
	if metrics != nil && *metricsFlag {
		snap := metrics.Snapshot()
		throughputBps := snap.ThroughputBytesPerSecond()
		mbPerSec := throughputBps / 1_000_000
		fmt.Printf("Metrics: duration=%s frames=%d skipped=%d processed=%s throughput=%.2f MB/s\n",
			snap.Duration.Round(10*time.Millisecond),
			snap.Frames,
			snap.Skipped,
			common.FormatBytes(snap.Bytes),
			mbPerSec,
		)
	}
	if !rep.Summary.Pass {
		os.Exit(1)
	}
}

func convertCmd(args []string) {
	fs := flag.NewFlagSet("convert", flag.ExitOnError)
	in := fs.String("in", "", "input FITS file")
	out := fs.String("out", "", "output PNG file")
	frame := fs.Int("frame", 0, "image frame index (tables and groups are skipped)")
	blank := fs.Uint("blank", 0, "replacement value for blank pixels")
	fs.Parse(args)

	if *in == "" || *out == "" {
		fmt.Println("required: --in, --out")
		os.Exit(1)
	}

	sc, err := fits.NewScanner(*in)
	if err != nil {
		fmt.Println("open input:", err)
		os.Exit(1)
	}
	defer sc.Close()

	var img *fits.Image
	for i := 0; ; i++ {
		img, err = sc.NextImage(fits.DecodeOptions{BlankValue: uint16(*blank)})
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Printf("no image frame %d in %s\n", *frame, *in)
			} else {
				fmt.Println("decode:", err)
			}
			os.Exit(1)
		}
		if i == *frame {
			break
		}
	}

	f, err := os.Create(*out)
	if err != nil {
		fmt.Println("create output:", err)
		os.Exit(1)
	}
	defer f.Close()
	if err := png.Encode(f, img.ToImage()); err != nil {
		fmt.Println("encode png:", err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %s (%dx%d %s)\n", *out, img.Width, img.Height, img.Format)
}

func encodeCmd(args []string) {
	fs := flag.NewFlagSet("encode", flag.ExitOnError)
	inputs := fs.String("inputs", "", "comma-separated image files (first becomes the primary frame)")
	out := fs.String("out", "", "output FITS file")
	fs.Parse(args)

	if *inputs == "" || *out == "" {
		fmt.Println("required: --inputs, --out")
		os.Exit(1)
	}
	var paths []string
	for _, p := range strings.Split(*inputs, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		paths = append(paths, p)
	}
	if len(paths) == 0 {
		fmt.Println("no input paths specified")
		os.Exit(1)
	}

	f, err := os.Create(*out)
	if err != nil {
		fmt.Println("create output:", err)
		os.Exit(1)
	}
	defer f.Close()

	enc := fits.NewEncoder(f)
	for _, p := range paths {
		src, err := os.Open(p)
		if err != nil {
			fmt.Println("open input:", err)
			os.Exit(1)
		}
		decoded, _, err := image.Decode(src)
		src.Close()
		if err != nil {
			fmt.Printf("decode %s: %v\n", p, err)
			os.Exit(1)
		}
		img := fits.FromImage(decoded)
		if err := enc.Encode(img); err != nil {
			fmt.Printf("encode %s: %v\n", p, err)
			os.Exit(1)
		}
		fmt.Printf("Encoded %s (%dx%d %s)\n", p, img.Width, img.Height, img.Format)
	}
	fmt.Printf("Wrote %s (%d frame(s))\n", *out, len(paths))
}

func reportCmd(args []string) {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	accPath := fs.String("acceptance", "", "acceptance_report.json")
	pdfPath := fs.String("pdf", "", "output inspection report PDF")
	in := fs.String("in", "", "scanned FITS file (adds the frame table and hash QR)")
	qrPath := fs.String("qr", "", "output QR PNG encoding the input file hash (requires --in)")
	fs.Parse(args)

	if *accPath == "" || *pdfPath == "" {
		fmt.Println("required: --acceptance, --pdf")
		os.Exit(1)
	}
	if *qrPath != "" && *in == "" {
		fmt.Println("--qr requires --in")
		os.Exit(1)
	}

	rep, err := report.LoadAcceptanceJSON(*accPath)
	if err != nil {
		fmt.Println("load acceptance:", err)
		os.Exit(1)
	}
	var idx fits.FileIndex
	if *in != "" {
		idx, err = fits.ScanFile(*in)
		if err != nil {
			fmt.Println("scan input:", err)
			os.Exit(1)
		}
	}
	if err := report.SaveInspectionPDF(rep, idx, *pdfPath); err != nil {
		fmt.Println("write pdf:", err)
		os.Exit(1)
	}
	fmt.Println("Wrote PDF:", *pdfPath)

	if *qrPath != "" {
		hash, _, err := common.Sha256OfFile(*in)
		if err != nil {
			fmt.Println("hash input:", err)
			os.Exit(1)
		}
		pngBytes, err := report.FileHashToQR(hash, 256)
		if err != nil {
			fmt.Println("encode qr:", err)
			os.Exit(1)
		}
		if err := os.WriteFile(*qrPath, pngBytes, 0o644); err != nil {
			fmt.Println("write qr:", err)
			os.Exit(1)
		}
		fmt.Println("Wrote QR:", *qrPath)
	}
}

func manifestCmd(args []string) {
	fs := flag.NewFlagSet("manifest", flag.ExitOnError)
	inputs := fs.String("inputs", "", "comma-separated paths")
	out := fs.String("out", "manifest.json", "output json")
	fs.Parse(args)

	if *inputs == "" {
		fmt.Println("required: --inputs")
		os.Exit(1)
	}

	var paths []string
	for _, p := range strings.Split(*inputs, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		paths = append(paths, p)
	}
	if len(paths) == 0 {
		fmt.Println("no input paths specified")
		os.Exit(1)
	}

	m, err := manifest.Build(paths)
	if err != nil {
		fmt.Println("manifest build:", err)
		os.Exit(1)
	}
	if err := manifest.Save(m, *out); err != nil {
		fmt.Println("manifest save:", err)
		os.Exit(1)
	}
	fmt.Println("Wrote", *out)
}
