// kws_finetune fine-tunes a pretrained ResNet-SE sound event detector to a new set of labels:
// the backbone is loaded and frozen, and a new classification head is trained.
//
// The configuration is read from a YAML file (-config), overridden by KWS_* environment variables
// and by the flags. Model hyperparameters can be further changed with -set, e.g.:
//
//	kws_finetune -config=conf/finetune.yaml -set="learning_rate=3e-4;resnet_channels=16"
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gomlx/audiokws/pkg/config"
	"github.com/gomlx/audiokws/pkg/finetune"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagConfig     = flag.String("config", "", "YAML configuration file. KWS_* environment variables override its values.")
	flagPretrained = flag.String("pretrained", "", "Checkpoint directory of the pretrained model. Overrides pretrain.ckpt.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory where to save the fine-tuned model. Overrides ckpt_dir/ckpt_name.")
	flagTr         = flag.String("tr", "", "List of training utterances (\"key path label\" lines). Overrides tr.")
	flagCV         = flag.String("cv", "", "List of validation utterances. Overrides cv.")
	flagDryRun     = flag.Bool("dry_run", false, fmt.Sprintf("Use only the first %d utterances of each list.", finetune.DryRunUtterances))
	flagEpochs     = flag.Int("epochs", 0, "Number of epochs to train. Overrides max_epoch if > 0.")
	flagVerbosity  = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
)

func main() {
	// The defaults of the context settings flag come from the default configuration.
	settings := commandline.CreateContextSettingsFlag(finetune.CreateDefaultContext(config.Default()), "")
	klog.InitFlags(nil)
	flag.Parse()

	cfg := must.M1(loadConfig())
	ctx := finetune.CreateDefaultContext(cfg)
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	if *flagVerbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	backend := backends.MustNew()
	if *flagVerbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}
	_, err := finetune.Train(backend, ctx, cfg, finetune.Options{
		ParamsSet: paramsSet,
		Verbosity: *flagVerbosity,
	})
	if err != nil {
		klog.Errorf("fine-tuning failed: %+v", err)
		os.Exit(1)
	}
	printCheckpoint(ctx, cfg)
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Loader{Path: *flagConfig}.Load()
	if err != nil {
		return cfg, err
	}
	if *flagPretrained != "" {
		cfg.Pretrain.Ckpt = *flagPretrained
	}
	if *flagCheckpoint != "" {
		cfg.CkptDir, cfg.CkptName = splitCheckpoint(*flagCheckpoint)
	}
	if *flagTr != "" {
		cfg.Tr = *flagTr
	}
	if *flagCV != "" {
		cfg.CV = *flagCV
	}
	if *flagDryRun {
		cfg.DryRun = true
	}
	if *flagEpochs > 0 {
		cfg.MaxEpoch = *flagEpochs
	}
	return cfg, cfg.Validate()
}

// splitCheckpoint splits a checkpoint path into the ckpt_dir and ckpt_name configuration values.
func splitCheckpoint(path string) (dir, name string) {
	path = filepath.Clean(path)
	return filepath.Dir(path), filepath.Base(path)
}

func printCheckpoint(ctx *context.Context, cfg config.Config) {
	epochs := context.GetParamOr(ctx, finetune.ParamEpochsDone, 0)
	fmt.Printf("Fine-tuned model (%d epochs) saved to %q\n", epochs, cfg.CheckpointPath())
}
