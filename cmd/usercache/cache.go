package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/odvcencio/usercache/pkg/usercache"
)

// openStore opens the configured cache. Extra options are appended.
func (a *app) openStore(opts ...usercache.Option) (*usercache.SQLiteStore, error) {
	base := []usercache.Option{
		usercache.WithBusyTimeout(a.cfg.Store.BusyTimeout),
		usercache.WithDefaultPlugin(a.cfg.Store.Plugin),
	}
	return usercache.Open(a.cfg.Store.Path, append(base, opts...)...)
}

func (a *app) withStore(fn func(*usercache.SQLiteStore) error) error {
	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func newFlagSet(a *app, name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	return fs
}

// parseArgs parses subcommand flags; bad flags are usage errors.
func parseArgs(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return usageError(err)
	}
	return nil
}

type putFlags struct {
	key    *string
	data   *string
	plugin *string
}

func parsePutFlags(a *app, name string, args []string) (putFlags, []usercache.PutOption, []byte, error) {
	fs := newFlagSet(a, name)
	pf := putFlags{
		key:    fs.String("key", "", "entry key (required)"),
		data:   fs.String("data", "", "payload, or - to read stdin"),
		plugin: fs.String("plugin", "", "plugin tag (default from config)"),
	}
	if err := parseArgs(fs, args); err != nil {
		return pf, nil, nil, err
	}
	if strings.TrimSpace(*pf.key) == "" {
		return pf, nil, nil, usageError(fmt.Errorf("usage: usercache %s -key K -data D", name))
	}

	data := []byte(*pf.data)
	if *pf.data == "-" {
		var err error
		if data, err = io.ReadAll(a.stdin); err != nil {
			return pf, nil, nil, fmt.Errorf("read stdin: %w", err)
		}
	}

	var opts []usercache.PutOption
	if *pf.plugin != "" {
		opts = append(opts, usercache.WithPlugin(*pf.plugin))
	}
	return pf, opts, data, nil
}

func runPutMessage(ctx context.Context, a *app, args []string) error {
	pf, opts, data, err := parsePutFlags(a, "put-message", args)
	if err != nil {
		return err
	}
	return a.withStore(func(store *usercache.SQLiteStore) error {
		return store.PutMessage(ctx, *pf.key, data, opts...)
	})
}

func runPutDocument(ctx context.Context, a *app, args []string) error {
	pf, opts, data, err := parsePutFlags(a, "put-doc", args)
	if err != nil {
		return err
	}
	return a.withStore(func(store *usercache.SQLiteStore) error {
		return store.PutReadWriteDocument(ctx, *pf.key, data, opts...)
	})
}

func parseKey(a *app, name string, args []string) (string, error) {
	fs := newFlagSet(a, name)
	key := fs.String("key", "", "document key (required)")
	if err := parseArgs(fs, args); err != nil {
		return "", err
	}
	if strings.TrimSpace(*key) == "" {
		return "", usageError(fmt.Errorf("usage: usercache %s -key K", name))
	}
	return *key, nil
}

func runGet(ctx context.Context, a *app, args []string) error {
	key, err := parseKey(a, "get", args)
	if err != nil {
		return err
	}
	return a.withStore(func(store *usercache.SQLiteStore) error {
		entry, err := usercache.DocumentEntry(ctx, store, key)
		if err != nil {
			return err
		}
		return printJSON(a.stdout, viewOf(entry))
	})
}

func runGetUpdated(ctx context.Context, a *app, args []string) error {
	key, err := parseKey(a, "get-updated", args)
	if err != nil {
		return err
	}
	return a.withStore(func(store *usercache.SQLiteStore) error {
		entry, changed, err := usercache.UpdatedDocumentEntry(ctx, store, key)
		if err != nil {
			return err
		}
		if !changed {
			fmt.Fprintf(a.stderr, "%s: unchanged\n", key)
			return nil
		}
		return printJSON(a.stdout, viewOf(entry))
	})
}

func runExport(ctx context.Context, a *app, args []string) error {
	if err := parseArgs(newFlagSet(a, "export"), args); err != nil {
		return err
	}
	return a.withStore(func(store *usercache.SQLiteStore) error {
		entries, err := store.ExportForUpload(ctx)
		if err != nil {
			return err
		}
		return printJSON(a.stdout, entries)
	})
}

func runImport(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "import")
	file := fs.String("file", "", "JSON file produced by export (default stdin)")
	if err := parseArgs(fs, args); err != nil {
		return err
	}

	in := a.stdin
	if *file != "" && *file != "-" {
		f, err := os.Open(*file)
		if err != nil {
			return fmt.Errorf("open import file: %w", err)
		}
		defer f.Close()
		in = f
	}

	var entries []usercache.Entry
	if err := json.NewDecoder(in).Decode(&entries); err != nil && !errors.Is(err, io.EOF) {
		return usageError(fmt.Errorf("decode entries: %w", err))
	}

	return a.withStore(func(store *usercache.SQLiteStore) error {
		res, err := store.ImportFromDownload(ctx, entries)
		fmt.Fprintf(a.stdout, "imported %d of %d entries\n", res.Imported, len(entries))
		for _, f := range res.Failed {
			fmt.Fprintf(a.stderr, "  entry %d (%s): %v\n", f.Index, f.Entry.Metadata.Key, f.Err)
		}
		return err
	})
}

func runClearMessages(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "clear-messages")
	field := fs.String("field", string(usercache.WriteTS), "timestamp field: write_ts or read_ts")
	after := fs.Int64("after", 0, "exclusive lower bound, epoch ms")
	before := fs.Int64("before", math.MaxInt64, "exclusive upper bound, epoch ms")
	if err := parseArgs(fs, args); err != nil {
		return err
	}

	q := usercache.TimeQuery{Field: usercache.TimestampField(*field), After: *after, Before: *before}
	return a.withStore(func(store *usercache.SQLiteStore) error {
		n, err := store.ClearMessages(ctx, q)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "cleared %d entries\n", n)
		return nil
	})
}

func runClear(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "clear")
	yes := fs.Bool("yes", false, "confirm deleting every entry")
	if err := parseArgs(fs, args); err != nil {
		return err
	}
	if !*yes {
		return usageError(errors.New("refusing to clear the cache without -yes"))
	}
	return a.withStore(func(store *usercache.SQLiteStore) error {
		return store.Clear(ctx)
	})
}

func runCount(ctx context.Context, a *app, args []string) error {
	if err := parseArgs(newFlagSet(a, "count"), args); err != nil {
		return err
	}
	return a.withStore(func(store *usercache.SQLiteStore) error {
		n, err := store.Count(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(a.stdout, n)
		return nil
	})
}

// entryView prints JSON payloads inline and anything else as a string.
type entryView struct {
	Metadata usercache.Metadata `json:"metadata"`
	Data     any                `json:"data"`
}

func viewOf(e usercache.Entry) entryView {
	v := entryView{Metadata: e.Metadata, Data: string(e.Data)}
	if json.Valid(e.Data) {
		v.Data = json.RawMessage(e.Data)
	}
	return v
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
