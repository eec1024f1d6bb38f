package cmd

import (
	"fmt"
	"log"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/scrna/encoding/scm"
	"v.io/x/lib/cmdline"
)

const featuresHelp = `Comma-separated features (names or IDs) drawn on the UMAP and as violins,
e.g. "MS4A1,CD3E,LYZ"`

func newCmdRun() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:  "run",
		Short: "Run the whole analysis of a count matrix",
		Long: `
Run filters, normalizes, scales and clusters the cells of a count matrix and
embeds them with UMAP. With -find-markers it also finds the markers of every
cluster and writes them to outdir/markers.tsv. The input is a 10x MatrixMarket
directory or a .scm file. Figures, TSV tables and a snapshot of the analysis
are written to outdir.`,
		ArgsName: "input outdir",
	}
	pipeline := newPipelineFlags(&cmd.Flags)
	subset := newSubsetFlags(&cmd.Flags)
	out := newOutputFlags(&cmd.Flags)
	featuresFlag := cmd.Flags.String("features", "", featuresHelp)
	snapshotFlag := cmd.Flags.Bool("snapshot", true, "Save the analysis to outdir/analysis.scs")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 2 {
			return fmt.Errorf("run takes input outdir, but found %v", argv)
		}
		ctx := vcontext.Background()
		opts, err := pipeline.opts(ctx)
		if err != nil {
			return err
		}
		return runPipeline(ctx, argv[0], argv[1], runOpts{
			pipeline: opts,
			subset:   subset,
			out:      out,
			features: splitList(*featuresFlag),
			snapshot: *snapshotFlag,
		})
	})
	return cmd
}

func newCmdQC() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "qc",
		Short:    "Draw the quality metrics of the cells of a count matrix",
		ArgsName: "input outdir",
	}
	pipeline := newPipelineFlags(&cmd.Flags)
	subset := newSubsetFlags(&cmd.Flags)
	out := newOutputFlags(&cmd.Flags)
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 2 {
			return fmt.Errorf("qc takes input outdir, but found %v", argv)
		}
		ctx := vcontext.Background()
		opts, err := pipeline.opts(ctx)
		if err != nil {
			return err
		}
		return runQC(ctx, argv[0], argv[1], runOpts{pipeline: opts, subset: subset, out: out})
	})
	return cmd
}

func newCmdConvert() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "convert",
		Short:    "Convert between a 10x MatrixMarket directory and a .scm file",
		ArgsName: "srcpath destpath",
	}
	opts := convertOpts{}
	cmd.Flags.BoolVar(&opts.gzip, "gzip", true, "Gzip the MatrixMarket files")
	cmd.Flags.IntVar(&opts.columnsPerBlock, "columns-per-block", scm.DefaultColumnsPerBlock, "Number of cells per .scm record")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 2 {
			return fmt.Errorf("convert takes srcpath destpath, but found %v", argv)
		}
		return convert(vcontext.Background(), argv[0], argv[1], opts)
	})
	return cmd
}

func newCmdChecksum() *cmdline.Command {
	cmd := &cmdline.Command{
		Name: "checksum",
		Short: `Compute a checksum of a count matrix.
The output is the hash, the number of features, cells and nonzero counts. It
doesn't depend on the file format.`,
		ArgsName: "path",
	}
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return fmt.Errorf("checksum takes a path, but found %v", argv)
		}
		return checksum(vcontext.Background(), env.Stdout, argv[0])
	})
	return cmd
}

func newRoot() *cmdline.Command {
	return &cmdline.Command{
		Name:     "bio-scrna",
		Short:    "Cluster and embed single-cell RNA-seq count matrices",
		LookPath: false,
		Children: []*cmdline.Command{
			newCmdRun(),
			newCmdQC(),
			newCmdConvert(),
			newCmdChecksum(),
		},
	}
}

func Run() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)
	cmdline.HideGlobalFlagsExcept()
	cmdline.Main(newRoot())
}
