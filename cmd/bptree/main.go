// Command bptree inspects and maintains page files holding a single tree.
//
//	bptree [flags] seed <file>
//	bptree [flags] stat <file>
//	bptree [flags] dump <file>
//	bptree [flags] compact <src> <dst>
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/go-faker/faker/v4"
	"go.uber.org/zap"

	"github.com/alexhholmes/bptree"
	"github.com/alexhholmes/bptree/logger"
)

type config struct {
	backend   string
	mode      string
	pageSize  int
	keySize   int
	valueSize int
	records   int
	limit     int
	verbose   bool
}

var errUsage = errors.New("usage: bptree [flags] seed|stat|dump <file> | compact <src> <dst>")

func main() {
	var cfg config
	flag.StringVar(&cfg.backend, "backend", "bolt", "page file backend: bolt or mmap")
	flag.StringVar(&cfg.mode, "mode", "append", "persistence mode: append or rewrite")
	flag.IntVar(&cfg.pageSize, "page", 4096, "page size in bytes")
	flag.IntVar(&cfg.keySize, "key", 8, "key size in bytes")
	flag.IntVar(&cfg.valueSize, "value", 8, "value size in bytes")
	flag.IntVar(&cfg.records, "records", 1000, "entries to insert with seed, generated by go-faker")
	flag.IntVar(&cfg.limit, "limit", 0, "stop dump after this many entries, 0 for all")
	flag.BoolVar(&cfg.verbose, "v", false, "log store and tree events")
	flag.Parse()

	if err := run(cfg, flag.Args(), os.Stdout); err != nil {
		color.New(color.FgRed).Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg config, args []string, out io.Writer) error {
	if len(args) < 2 {
		return errUsage
	}

	log := bptree.Logger(bptree.DiscardLogger{})
	if cfg.verbose {
		z, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		defer z.Sync()
		log = logger.NewZap(z)
	}

	switch cmd := args[0]; cmd {
	case "seed":
		return withTree(cfg, log, args[1], func(s *bptree.Store, t *bptree.BPlusTree) error {
			return seed(cfg, s, t, out)
		})
	case "stat":
		return withTree(cfg, log, args[1], func(s *bptree.Store, t *bptree.BPlusTree) error {
			return stat(s, t, out)
		})
	case "dump":
		return withTree(cfg, log, args[1], func(_ *bptree.Store, t *bptree.BPlusTree) error {
			return dump(cfg, t, out)
		})
	case "compact":
		if len(args) < 3 {
			return errUsage
		}
		return withTree(cfg, log, args[1], func(_ *bptree.Store, t *bptree.BPlusTree) error {
			return compact(cfg, log, t, args[2], out)
		})
	default:
		return fmt.Errorf("unknown command %q: %w", cmd, errUsage)
	}
}

func openStore(cfg config, log bptree.Logger, path string) (*bptree.Store, error) {
	opts := []bptree.StoreOption{bptree.WithStoreLogger(log)}
	switch cfg.mode {
	case "append":
		opts = append(opts, bptree.WithStoreMode(bptree.AppendOnly))
	case "rewrite":
		opts = append(opts, bptree.WithStoreMode(bptree.Rewrite))
	default:
		return nil, fmt.Errorf("unknown mode %q", cfg.mode)
	}

	switch cfg.backend {
	case "bolt":
		return bptree.OpenBoltStore(path, cfg.pageSize, opts...)
	case "mmap":
		return bptree.OpenMMapStore(path, cfg.pageSize, opts...)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.backend)
	}
}

// withTree opens the tree recorded in path, creating an empty one for a
// fresh file, and closes both afterwards.
func withTree(cfg config, log bptree.Logger, path string, fn func(*bptree.Store, *bptree.BPlusTree) error) error {
	store, err := openStore(cfg, log, path)
	if err != nil {
		return err
	}
	defer store.Close()

	opts := []bptree.Option{bptree.WithLogger(log)}
	var tree *bptree.BPlusTree
	if root := store.Root(); root != 0 {
		tree, err = bptree.Open(store, root, cfg.keySize, cfg.valueSize, opts...)
	} else {
		txn := store.LastCommitted() + 1
		if tree, err = bptree.New(store, txn, cfg.keySize, cfg.valueSize, opts...); err == nil {
			_, err = tree.Commit(txn)
		}
	}
	if err != nil {
		return err
	}
	defer tree.Close()

	return fn(store, tree)
}

// fixed pads or truncates s to size bytes.
func fixed(s string, size int) []byte {
	b := make([]byte, size)
	copy(b, s)
	return b
}

func seed(cfg config, store *bptree.Store, tree *bptree.BPlusTree, out io.Writer) error {
	txn := store.LastCommitted() + 1
	for range cfg.records {
		k := fixed(faker.Word()+faker.Word(), cfg.keySize)
		v := fixed(faker.Word(), cfg.valueSize)
		if err := tree.Insert(txn, k, v, true); err != nil {
			_ = tree.Abort(txn)
			return err
		}
	}
	root, err := tree.Commit(txn)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "seeded %d records, root %d, txn %d\n", cfg.records, root, txn)
	return nil
}

func stat(store *bptree.Store, tree *bptree.BPlusTree, out io.Writer) error {
	label := color.New(color.Bold).SprintFunc()

	layout := tree.Layout()
	fmt.Fprintf(out, "%s %d bytes, key %d, value %d, %s\n",
		label("page:"), layout.PageSize, layout.KeySize, layout.ValueSize, store.Mode())
	fmt.Fprintf(out, "%s branch factor %d, leaf load factor %d\n",
		label("layout:"), layout.BranchFactor, layout.LeafLoadFactor)
	fmt.Fprintf(out, "%s root %d, txn %d\n", label("commit:"), tree.Root(), store.LastCommitted())

	shape, err := tree.Check()
	if err != nil {
		color.New(color.FgRed, color.Bold).Fprintf(out, "check failed: %v\n", err)
		return err
	}
	fmt.Fprintf(out, "%s depth %d, %d branches, %d leaves, %d entries\n",
		label("shape:"), shape.Depth, shape.Branches, shape.Leaves, shape.Entries)

	st := store.Stats()
	fmt.Fprintf(out, "%s %d reads (%d bytes)\n", label("io:"), st.Reads, st.Read)
	color.New(color.FgGreen).Fprintln(out, "ok")
	return nil
}

func dump(cfg config, tree *bptree.BPlusTree, out io.Writer) error {
	key := color.New(color.FgCyan).SprintFunc()
	n := 0
	for e, err := range tree.Scan() {
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s %x\n", key(fmt.Sprintf("%x", e.Key)), e.Value)
		n++
		if cfg.limit > 0 && n >= cfg.limit {
			break
		}
	}
	return nil
}

func compact(cfg config, log bptree.Logger, src *bptree.BPlusTree, path string, out io.Writer) error {
	dst, err := openStore(cfg, log, path)
	if err != nil {
		return err
	}
	defer dst.Close()

	txn := dst.LastCommitted() + 1
	tree, err := bptree.Compact(txn, src, dst, bptree.WithLogger(log))
	if err != nil {
		_ = dst.Abort(txn)
		return err
	}
	defer tree.Close()

	root, err := tree.Commit(txn)
	if err != nil {
		return err
	}
	shape, err := tree.Check()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "compacted into %s: root %d, %d leaves, %d entries\n", path, root, shape.Leaves, shape.Entries)
	return nil
}
