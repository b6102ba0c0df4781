// kws_quantdata frames the audio corpus into a fixed-shape feature array [files, max_frames, n_mel],
// saved in NumPy's .npy format, to calibrate the quantization of a keyword spotting model.
//
// Usage:
//
//	kws_quantdata [flags] <output.npy>
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/gomlx/audiokws/pkg/config"
	"github.com/gomlx/audiokws/pkg/framer"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagConfig   = flag.String("config", "", "YAML configuration file. KWS_* environment variables override its values.")
	flagTr       = flag.String("tr", "../dataset/tr", "Directory with the training audio files, searched recursively.")
	flagCV       = flag.String("cv", "../dataset/cv", "Directory with the validation audio files, searched recursively.")
	flagPattern  = flag.String("pattern", "*.wav", "Pattern of the base name of the audio files to include.")
	flagSkip     = flag.Bool("skip_unreadable", false, "Skip audio files that can't be decoded, instead of failing.")
	flagWorkers  = flag.Int("workers", -1, "Files processed in parallel: -1 uses num_workers of the configuration, 0 the number of CPUs.")
	flagProgress = flag.Bool("progress", true, "Display a progress bar.")
)

func usage() {
	out := flag.CommandLine.Output()
	_, _ = fmt.Fprintf(out, "Usage: %s [flags] <path to save out data (*.npy)>\n\nFlags:\n", filepath.Base(os.Args[0]))
	flag.PrintDefaults()
}

func main() {
	klog.InitFlags(nil)
	flag.Usage = usage
	flag.Parse()
	out, err := outputPath(flag.Args())
	if err != nil {
		klog.Errorf("%v", err)
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := run(ctx, out); err != nil {
		klog.Errorf("%+v", err)
		cancel()
		os.Exit(1)
	}
}

// outputPath returns the destination given in the positional arguments. As with numpy.save,
// the ".npy" extension is added if missing.
func outputPath(args []string) (string, error) {
	if len(args) < 1 || args[0] == "" {
		return "", errors.Wrap(config.ErrMissingArgument, "output path")
	}
	out := args[0]
	if !strings.HasSuffix(out, ".npy") {
		out += ".npy"
	}
	return out, nil
}

func run(ctx context.Context, out string) error {
	cfg, err := config.Loader{Path: *flagConfig}.Load()
	if err != nil {
		return err
	}
	if *flagSkip {
		cfg.SkipUnreadable = true
	}
	if *flagWorkers >= 0 {
		cfg.NumWorkers = *flagWorkers
	}

	paths, err := framer.Discover([]string{*flagTr, *flagCV}, *flagPattern)
	if err != nil {
		return err
	}
	fmt.Printf("# of files: %d\n", len(paths))

	extractor, err := framer.NewFbankExtractor(cfg)
	if err != nil {
		return err
	}
	fr := framer.New(cfg, extractor)
	if *flagProgress {
		fr.WithProgressBar(os.Stderr)
	}
	corpus, err := fr.FrameCorpus(ctx, paths)
	if err != nil {
		return errors.WithMessagef(err, "framing files under %q and %q", *flagTr, *flagCV)
	}
	return corpus.Save(out)
}
