// Command bitsi manages bit-sliced signature indexes from the shell.
//
// Usage:
//
//	bitsi init -dir ./idx [-k 31] [-m 25000000] [-h 3]
//	bitsi insert -dir ./idx -id sample-1 -seq-file genome.txt
//	bitsi bloom -dir ./idx -seq-file genome.txt -out sample-1.sig
//	bitsi insert-sig -dir ./idx -id sample-1 -sig-file sample-1.sig
//	bitsi build -dir ./idx -samples samples.tsv
//	bitsi search -dir ./idx -seq ACGT... [-threshold 1.0] [-limit 0]
//	bitsi info -dir ./idx
//	bitsi samples -dir ./idx
//	bitsi export -dir ./idx -snap-dir ./snaps -name snap-001
//	bitsi import -dir ./idx -snap-dir ./snaps -name snap-001
//	bitsi delete -dir ./idx
//
// Defaults for -k, -m and -h can also come from the environment
// (BITSI_K, BITSI_M, BITSI_H), optionally via a .env file.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/joho/godotenv"

	"github.com/hupe1980/bitsi"
	"github.com/hupe1980/bitsi/blobstore"
	"github.com/hupe1980/bitsi/kmer"
	"github.com/hupe1980/bitsi/slicestore"
	"github.com/hupe1980/bitsi/snapshot"
)

func main() {
	// A missing .env file is fine; explicit environment still applies.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx := context.Background()

	var err error
	switch os.Args[1] {
	case "init":
		err = cmdInit(ctx, os.Args[2:])
	case "insert":
		err = cmdInsert(ctx, os.Args[2:])
	case "bloom":
		err = cmdBloom(ctx, os.Args[2:])
	case "insert-sig":
		err = cmdInsertSig(ctx, os.Args[2:])
	case "build":
		err = cmdBuild(ctx, os.Args[2:])
	case "search":
		err = cmdSearch(ctx, os.Args[2:])
	case "info":
		err = cmdInfo(ctx, os.Args[2:])
	case "samples":
		err = cmdSamples(ctx, os.Args[2:])
	case "export":
		err = cmdExport(ctx, os.Args[2:])
	case "import":
		err = cmdImport(ctx, os.Args[2:])
	case "delete":
		err = cmdDelete(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "bitsi:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: bitsi <init|insert|bloom|insert-sig|build|search|info|samples|export|import|delete> [flags]")
}

// envInt returns the integer value of an environment variable, or def.
func envInt(name string, def int) int {
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return def
}

func commonFlags(fs *flag.FlagSet) (dir *string, verbose *bool, ddbTable *string) {
	dir = fs.String("dir", "", "index directory")
	verbose = fs.Bool("v", false, "verbose logging")
	ddbTable = fs.String("dynamo-table", "", "store slices in this DynamoDB table instead of a local file")
	return
}

func openOptions(ctx context.Context, verbose bool, ddbTable string) ([]bitsi.Option, error) {
	var opts []bitsi.Option
	if verbose {
		opts = append(opts, bitsi.WithLogLevel(slog.LevelDebug))
	}
	if ddbTable != "" {
		cfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		opts = append(opts, bitsi.WithStore(slicestore.NewDynamo(dynamodb.NewFromConfig(cfg), ddbTable)))
	}
	return opts, nil
}

func openIndex(ctx context.Context, dir string, verbose bool, ddbTable string) (*bitsi.Index, error) {
	if dir == "" {
		return nil, fmt.Errorf("-dir is required")
	}
	opts, err := openOptions(ctx, verbose, ddbTable)
	if err != nil {
		return nil, err
	}
	return bitsi.Open(ctx, dir, opts...)
}

func cmdInit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	dir, verbose, ddbTable := commonFlags(fs)
	k := fs.Int("k", envInt("BITSI_K", bitsi.DefaultK), "k-mer length")
	m := fs.Int("m", envInt("BITSI_M", bitsi.DefaultM), "signature width in bits")
	h := fs.Int("h", envInt("BITSI_H", bitsi.DefaultNumHashes), "number of hash functions")
	fs.Parse(args)

	if *dir == "" {
		return fmt.Errorf("-dir is required")
	}
	opts, err := openOptions(ctx, *verbose, *ddbTable)
	if err != nil {
		return err
	}
	idx, err := bitsi.Create(ctx, *dir, *k, uint64(*m), *h, opts...)
	if err != nil {
		return err
	}
	defer idx.Close()

	fmt.Printf("initialized index in %s (k=%d m=%d h=%d)\n", *dir, *k, *m, *h)
	return nil
}

func readSequence(seq, seqFile string) ([]byte, error) {
	switch {
	case seq != "" && seqFile != "":
		return nil, fmt.Errorf("-seq and -seq-file are mutually exclusive")
	case seq != "":
		return []byte(seq), nil
	case seqFile != "":
		data, err := os.ReadFile(seqFile)
		if err != nil {
			return nil, err
		}
		return []byte(strings.TrimSpace(string(data))), nil
	default:
		return nil, fmt.Errorf("one of -seq or -seq-file is required")
	}
}

func cmdInsert(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("insert", flag.ExitOnError)
	dir, verbose, ddbTable := commonFlags(fs)
	id := fs.String("id", "", "sample id")
	seq := fs.String("seq", "", "sequence literal")
	seqFile := fs.String("seq-file", "", "file containing the sequence")
	fs.Parse(args)

	if *id == "" {
		return fmt.Errorf("-id is required")
	}
	data, err := readSequence(*seq, *seqFile)
	if err != nil {
		return err
	}

	idx, err := openIndex(ctx, *dir, *verbose, *ddbTable)
	if err != nil {
		return err
	}
	defer idx.Close()

	rank, err := idx.Insert(ctx, *id, data)
	if err != nil {
		return err
	}
	fmt.Printf("inserted %s at rank %d\n", *id, rank)
	return nil
}

func cmdBloom(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("bloom", flag.ExitOnError)
	dir, verbose, ddbTable := commonFlags(fs)
	seq := fs.String("seq", "", "sequence literal")
	seqFile := fs.String("seq-file", "", "file containing the sequence")
	out := fs.String("out", "", "output signature file")
	fs.Parse(args)

	if *out == "" {
		return fmt.Errorf("-out is required")
	}
	data, err := readSequence(*seq, *seqFile)
	if err != nil {
		return err
	}

	idx, err := openIndex(ctx, *dir, *verbose, *ddbTable)
	if err != nil {
		return err
	}
	defer idx.Close()

	sig, err := idx.EncodeSignature(data)
	if err != nil {
		return err
	}

	f, err := os.Create(*out)
	if err != nil {
		return err
	}
	if _, err := sig.WriteTo(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Printf("wrote signature (%d set bits) to %s\n", sig.Count(), *out)
	return nil
}

func cmdInsertSig(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("insert-sig", flag.ExitOnError)
	dir, verbose, ddbTable := commonFlags(fs)
	id := fs.String("id", "", "sample id")
	sigFile := fs.String("sig-file", "", "signature file written by bloom")
	fs.Parse(args)

	if *id == "" || *sigFile == "" {
		return fmt.Errorf("-id and -sig-file are required")
	}

	f, err := os.Open(*sigFile)
	if err != nil {
		return err
	}
	sig, err := kmer.ReadSignature(f)
	f.Close()
	if err != nil {
		return err
	}

	idx, err := openIndex(ctx, *dir, *verbose, *ddbTable)
	if err != nil {
		return err
	}
	defer idx.Close()

	rank, err := idx.InsertSignature(ctx, *id, sig)
	if err != nil {
		return err
	}
	fmt.Printf("inserted %s at rank %d\n", *id, rank)
	return nil
}

// readSamplesFile parses a TSV of "id<TAB>sequence-file" lines.
func readSamplesFile(path string) ([]bitsi.BuildSample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var samples []bitsi.BuildSample
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		id, file, ok := strings.Cut(text, "\t")
		if !ok {
			return nil, fmt.Errorf("%s:%d: expected id<TAB>sequence-file", path, line)
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		samples = append(samples, bitsi.BuildSample{
			ID:       id,
			Sequence: []byte(strings.TrimSpace(string(data))),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return samples, nil
}

func cmdBuild(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	dir, verbose, ddbTable := commonFlags(fs)
	samplesFile := fs.String("samples", "", "TSV of id<TAB>sequence-file")
	ratePerSec := fs.Float64("rate", 0, "max samples per second (0 = unlimited)")
	fs.Parse(args)

	if *samplesFile == "" {
		return fmt.Errorf("-samples is required")
	}
	samples, err := readSamplesFile(*samplesFile)
	if err != nil {
		return err
	}

	if *dir == "" {
		return fmt.Errorf("-dir is required")
	}
	opts, err := openOptions(ctx, *verbose, *ddbTable)
	if err != nil {
		return err
	}
	if *ratePerSec > 0 {
		opts = append(opts, bitsi.WithBuildRateLimit(*ratePerSec, 1))
	}

	idx, err := bitsi.Open(ctx, *dir, opts...)
	if err != nil {
		return err
	}
	defer idx.Close()

	if err := idx.Build(ctx, samples); err != nil {
		return err
	}
	fmt.Printf("built %d samples\n", len(samples))
	return nil
}

func cmdSearch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	dir, verbose, ddbTable := commonFlags(fs)
	seq := fs.String("seq", "", "sequence literal")
	seqFile := fs.String("seq-file", "", "file containing the sequence")
	threshold := fs.Float64("threshold", bitsi.DefaultThreshold, "minimum hit fraction in [0,1]")
	limit := fs.Int("limit", 0, "max results (0 = unlimited)")
	fs.Parse(args)

	data, err := readSequence(*seq, *seqFile)
	if err != nil {
		return err
	}

	idx, err := openIndex(ctx, *dir, *verbose, *ddbTable)
	if err != nil {
		return err
	}
	defer idx.Close()

	results, err := idx.Search(data).
		Threshold(*threshold).
		Limit(*limit).
		Execute(ctx)
	if err != nil {
		return err
	}
	return printJSON(results)
}

func cmdInfo(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	dir, verbose, ddbTable := commonFlags(fs)
	fs.Parse(args)

	idx, err := openIndex(ctx, *dir, *verbose, *ddbTable)
	if err != nil {
		return err
	}
	defer idx.Close()

	man := idx.Info()
	return printJSON(map[string]any{
		"k":            man.K,
		"m":            man.M,
		"num_hashes":   man.NumHashes,
		"hash_func":    man.HashFunc,
		"sample_count": man.SampleCount,
		"version":      idx.Version().String(),
		"created_at":   man.CreatedAt,
		"updated_at":   man.UpdatedAt,
	})
}

func cmdSamples(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("samples", flag.ExitOnError)
	dir, verbose, ddbTable := commonFlags(fs)
	fs.Parse(args)

	idx, err := openIndex(ctx, *dir, *verbose, *ddbTable)
	if err != nil {
		return err
	}
	defer idx.Close()

	return printJSON(idx.Info().Samples)
}

func cmdExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	dir, verbose, ddbTable := commonFlags(fs)
	snapDir := fs.String("snap-dir", "", "local snapshot directory")
	name := fs.String("name", "", "snapshot name")
	fs.Parse(args)

	if *snapDir == "" || *name == "" {
		return fmt.Errorf("-snap-dir and -name are required")
	}

	idx, err := openIndex(ctx, *dir, *verbose, *ddbTable)
	if err != nil {
		return err
	}
	defer idx.Close()

	bs, err := blobstore.NewLocalStore(*snapDir)
	if err != nil {
		return err
	}
	if err := idx.ExportSnapshot(ctx, bs, *name); err != nil {
		return err
	}
	fmt.Printf("exported snapshot %s\n", *name)
	return nil
}

func cmdImport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	dir, _, ddbTable := commonFlags(fs)
	snapDir := fs.String("snap-dir", "", "local snapshot directory")
	name := fs.String("name", "", "snapshot name")
	fs.Parse(args)

	if *dir == "" || *snapDir == "" || *name == "" {
		return fmt.Errorf("-dir, -snap-dir and -name are required")
	}

	bs, err := blobstore.NewLocalStore(*snapDir)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(*dir, 0o755); err != nil {
		return err
	}

	var store slicestore.Store
	if *ddbTable != "" {
		cfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return fmt.Errorf("load aws config: %w", err)
		}
		store = slicestore.NewDynamo(dynamodb.NewFromConfig(cfg), *ddbTable)
	} else {
		store, err = slicestore.OpenBolt(filepath.Join(*dir, "slices.db"))
		if err != nil {
			return err
		}
	}
	defer store.Close()

	man, err := snapshot.Restore(ctx, bs, *name, *dir, store)
	if err != nil {
		return err
	}
	fmt.Printf("imported snapshot %s (%d samples)\n", *name, man.SampleCount)
	return nil
}

func cmdDelete(args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	dir := fs.String("dir", "", "index directory")
	fs.Parse(args)

	if *dir == "" {
		return fmt.Errorf("-dir is required")
	}
	if err := bitsi.Destroy(*dir); err != nil {
		return err
	}
	fmt.Printf("deleted index in %s\n", *dir)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
