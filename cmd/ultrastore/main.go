// ultrastore builds and inspects read-only key/value stores.
//
//	usage: ultrastore <command> [flags]
//
// build reads key:value lines on stdin; every key must have the same
// length.  Stores with binary keys are handled with -hex, which applies
// to keys only, never values.
package main

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ATPs/ultra"
)

const usage = `usage: ultrastore <command> [flags]

commands:
  build    read key:value lines on stdin and write a store
  get      print the value stored for a key
  stat     print store geometry
  verify   check the store's ordering and bounds invariants
  dump     print every record as a key:value line

run 'ultrastore <command> -h' for that command's flags
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	var err error
	switch cmd {
	case "build":
		err = cmdBuild(args)
	case "get":
		err = cmdGet(args)
	case "stat":
		err = cmdStat(args)
	case "verify":
		err = cmdVerify(args)
	case "dump":
		err = cmdDump(args)
	default:
		fmt.Fprintf(os.Stderr, "ultrastore: unknown command %q\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "ultrastore: %s\n", err)
		os.Exit(1)
	}
}

type storeFlags struct {
	dir     string
	name    string
	hexKeys bool
	verbose bool
}

func newFlagSet(cmd string, withHex bool) (*flag.FlagSet, *storeFlags) {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	sf := &storeFlags{}
	fs.StringVar(&sf.dir, "dir", ".", "directory holding the store files")
	fs.StringVar(&sf.name, "name", "", "store name (files <name>.mmidx and <name>.mmdata)")
	if withHex {
		fs.BoolVar(&sf.hexKeys, "hex", false, "keys are hex encoded")
	}
	fs.BoolVar(&sf.verbose, "v", false, "log progress to stderr")
	return fs, sf
}

func (sf *storeFlags) check() error {
	if sf.name == "" {
		return errors.New("the -name flag is required")
	}
	return nil
}

func (sf *storeFlags) logger() *slog.Logger {
	if !sf.verbose {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func (sf *storeFlags) open() (*ultra.Store, error) {
	return ultra.Open(
		ultra.IndexPath(sf.dir, sf.name),
		ultra.DataPath(sf.dir, sf.name),
		ultra.WithOpenLogger(sf.logger()),
	)
}

func (sf *storeFlags) key(arg string) ([]byte, error) {
	if !sf.hexKeys {
		return []byte(arg), nil
	}
	key, err := hex.DecodeString(arg)
	if err != nil {
		return nil, fmt.Errorf("decoding key %q: %w", arg, err)
	}
	return key, nil
}

func cmdBuild(args []string) error {
	fs, sf := newFlagSet("build", true)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := sf.check(); err != nil {
		return err
	}

	b, err := ultra.NewBuilder(sf.dir, sf.name, ultra.WithBuilderLogger(sf.logger()))
	if err != nil {
		return err
	}

	s := bufio.NewScanner(bufio.NewReaderSize(os.Stdin, 16*1024))
	s.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineno := 0
	for s.Scan() {
		lineno++
		k, v, ok := bytes.Cut(s.Bytes(), []byte{':'})
		if !ok {
			return fmt.Errorf("stdin line %d: want key:value", lineno)
		}
		key := k
		if sf.hexKeys {
			key = make([]byte, hex.DecodedLen(len(k)))
			if _, err := hex.Decode(key, k); err != nil {
				return fmt.Errorf("stdin line %d: decoding key: %w", lineno, err)
			}
		}
		if err := b.Put(key, v); err != nil {
			return fmt.Errorf("stdin line %d: %w", lineno, err)
		}
	}
	if err := s.Err(); err != nil {
		return err
	}

	if err := b.Finalize(); err != nil {
		return err
	}
	if b.Len() == 0 {
		fmt.Fprintln(os.Stderr, "ultrastore: no entries on stdin, nothing written")
		return nil
	}
	fmt.Fprintf(os.Stderr, "ultrastore: wrote %d records to %s\n", b.Len(), ultra.IndexPath(sf.dir, sf.name))
	return nil
}

func cmdGet(args []string) error {
	fs, sf := newFlagSet("get", true)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := sf.check(); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("get wants exactly one KEY argument")
	}
	key, err := sf.key(fs.Arg(0))
	if err != nil {
		return err
	}

	st, err := sf.open()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	value, err := st.Lookup(key)
	if err != nil {
		return err
	}
	if _, err := os.Stdout.Write(value); err != nil {
		return err
	}
	_, err = os.Stdout.Write([]byte{'\n'})
	return err
}

func cmdStat(args []string) error {
	fs, sf := newFlagSet("stat", false)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := sf.check(); err != nil {
		return err
	}

	st, err := sf.open()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	fp, err := st.Fingerprint()
	if err != nil {
		return err
	}
	fmt.Printf("records:     %d\n", st.Len())
	fmt.Printf("key size:    %d\n", st.KeySize())
	fmt.Printf("data bytes:  %d\n", st.DataLen())
	fmt.Printf("fingerprint: %016x\n", fp)
	return nil
}

func cmdVerify(args []string) error {
	fs, sf := newFlagSet("verify", false)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := sf.check(); err != nil {
		return err
	}

	st, err := sf.open()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	if err := st.Verify(); err != nil {
		return err
	}
	fmt.Printf("ok: %d records\n", st.Len())
	return nil
}

func cmdDump(args []string) error {
	fs, sf := newFlagSet("dump", true)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := sf.check(); err != nil {
		return err
	}

	st, err := sf.open()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	// bufio's error is sticky, checking it once at Flush is enough
	w := bufio.NewWriterSize(os.Stdout, 1024*1024)
	for i := 0; i < st.Len(); i++ {
		k, v, err := st.At(i)
		if err != nil {
			return err
		}
		if sf.hexKeys {
			fmt.Fprintf(w, "%x", k)
		} else {
			w.Write(k)
		}
		w.WriteByte(':')
		w.Write(v)
		w.WriteByte('\n')
	}
	return w.Flush()
}
