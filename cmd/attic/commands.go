package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dimitarvdimitrov/attic/archive"
	"github.com/dimitarvdimitrov/attic/log"
	"github.com/dimitarvdimitrov/attic/store"
)

type command struct {
	args             string
	minArgs, maxArgs int
	run              func(ctx context.Context, s *archive.Store, opts options, args []string, stdout io.Writer) error
}

var commands = map[string]command{
	"put": {args: "<document> <filename> <version> <file>", minArgs: 4, maxArgs: 4, run: put},
	"get": {args: "<document> <filename> [version]", minArgs: 2, maxArgs: 3, run: get},
	"log": {args: "<document> <filename>", minArgs: 2, maxArgs: 2, run: history},
	"rm":  {args: "<document> <filename>", minArgs: 2, maxArgs: 2, run: remove},
	"ls":  {args: "", minArgs: 0, maxArgs: 0, run: list},
}

func openStore(cfg config) (*archive.Store, error) {
	s, err := archive.Open(cfg.Config)
	if err != nil {
		return nil, err
	}
	s.Subscribe(func(e archive.Event) {
		log.Info("[attic] "+e.Kind.String(), log.Identity(e.Identity.Document, e.Identity.Filename), log.Versions(e.Versions))
	})
	return s, nil
}

// localFile is the content of a version read from a file outside the archive.
type localFile string

func (f localFile) Open(context.Context) (io.ReadCloser, error) {
	return os.Open(string(f))
}

func put(ctx context.Context, s *archive.Store, opts options, args []string, _ io.Writer) error {
	id := store.Identity{Document: args[0], Filename: args[1]}
	if _, err := os.Stat(args[3]); err != nil {
		return err
	}

	a, err := s.LoadArchive(ctx, id)
	if err != nil {
		return err
	}
	err = a.Add(store.Version{
		VersionDescriptor: store.VersionDescriptor{
			Version: args[2],
			Author:  opts.author,
			Date:    time.Now().UTC(),
			Comment: opts.comment,
		},
		Content: localFile(args[3]),
	})
	if err != nil {
		return err
	}
	return s.SaveArchive(ctx, a)
}

func get(ctx context.Context, s *archive.Store, opts options, args []string, stdout io.Writer) error {
	id := store.Identity{Document: args[0], Filename: args[1]}

	var (
		v   store.Version
		err error
	)
	if len(args) == 3 {
		v, err = s.LoadVersion(ctx, id, args[2])
	} else {
		v, err = latest(ctx, s, id)
	}
	if err != nil {
		return err
	}

	r, err := v.Content.Open(ctx)
	if err != nil {
		return err
	}
	defer r.Close()

	if opts.out == "" {
		_, err = io.Copy(stdout, r)
		return err
	}
	f, err := os.Create(opts.out)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func latest(ctx context.Context, s *archive.Store, id store.Identity) (store.Version, error) {
	a, err := s.LoadArchive(ctx, id)
	if err != nil {
		return store.Version{}, err
	}
	v, ok := a.Latest()
	if !ok {
		return store.Version{}, store.NewError(store.Absent, "get", id, "", fmt.Errorf("no versions recorded"))
	}
	return v, nil
}

func history(ctx context.Context, s *archive.Store, _ options, args []string, stdout io.Writer) error {
	a, err := s.LoadArchive(ctx, store.Identity{Document: args[0], Filename: args[1]})
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tDATE\tAUTHOR\tSIZE\tCOMMENT")
	for _, v := range a.Versions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", v.Version, v.Date.Format(time.RFC3339), v.Author, v.Size, v.Comment)
	}
	return w.Flush()
}

func remove(ctx context.Context, s *archive.Store, opts options, args []string, _ io.Writer) error {
	var dopts []archive.DeleteOption
	if opts.mustExist {
		dopts = append(dopts, archive.MustExist())
	}
	return s.DeleteArchive(ctx, store.Identity{Document: args[0], Filename: args[1]}, dopts...)
}

func list(ctx context.Context, s *archive.Store, _ options, _ []string, stdout io.Writer) error {
	entries, err := s.List(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DOCUMENT\tFILENAME\tSTATE")
	for _, e := range entries {
		state := "ok"
		switch {
		case !e.Indexed:
			state = "orphaned"
		case e.Leftovers > 0:
			state = fmt.Sprintf("ok, %d leftovers", e.Leftovers)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", e.Identity.Document, e.Identity.Filename, state)
	}
	return w.Flush()
}
