package treesync

import (
	"context"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/distrun/internal/codec"
	"github.com/Iron-Ham/distrun/internal/errors"
	"github.com/Iron-Ham/distrun/internal/gateway"
	"github.com/Iron-Ham/distrun/internal/logging"
)

// Message ops on the treesync service.
const (
	OpSearchPath = "searchpath"
	OpBegin      = "begin"
	OpDir        = "dir"
	OpFile       = "file"
	OpChunk      = "chunk"
	OpFileEnd    = "fileend"
	OpSymlink    = "symlink"
	OpDone       = "done"
)

// ChunkSize bounds the data carried by one chunk message, keeping every
// message well below codec.MaxFrameSize whatever the file size.
const ChunkSize = 1 << 20

// Options tunes a single Sync call.
type Options struct {
	// Ignore adds patterns to DefaultIgnore.
	Ignore []string

	// OnStart is called before the first message of a transfer.
	OnStart func(root string)
	// OnFinish is called once the remote answered, with the number of files sent.
	OnFinish func(root string, files int, err error)
	// OnFileSent is called after each file message.
	OnFileSent func(rel string, size int64)
}

// Syncer transfers source roots to gateways.
type Syncer struct {
	fs     afero.Fs
	record *Record
	logger *logging.Logger
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithFs sets the filesystem roots are read from. Defaults to the OS filesystem.
func WithFs(fs afero.Fs) Option {
	return func(s *Syncer) { s.fs = fs }
}

// WithRecord shares a Record between Syncers.
func WithRecord(r *Record) Option {
	return func(s *Syncer) { s.record = r }
}

// WithLogger sets the Syncer's logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Syncer) { s.logger = l }
}

// NewSyncer creates a Syncer with an empty Record.
func NewSyncer(opts ...Option) *Syncer {
	s := &Syncer{
		fs:     afero.NewOsFs(),
		record: NewRecord(),
		logger: logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record returns the Syncer's record of completed pairs.
func (s *Syncer) Record() *Record {
	return s.record
}

// Sync makes root available to the worker behind gw. A pair that was
// synced before is not transferred again; the earlier result is returned.
func (s *Syncer) Sync(ctx context.Context, gw gateway.Gateway, root string, opts Options) error {
	ran, err := s.record.Do(gw.ID(), root, func() error {
		return s.sync(ctx, gw, root, opts)
	})
	if !ran {
		s.logger.Debug("root already synced", "worker_id", gw.ID(), "root", root)
	}
	return err
}

func (s *Syncer) sync(ctx context.Context, gw gateway.Gateway, root string, opts Options) error {
	ch, err := gw.Open(ctx, gateway.ServiceTreeSync)
	if err != nil {
		return err
	}
	defer ch.Close()

	if gw.Spec().InProcess() {
		dir := filepath.Dir(root)
		s.logger.Debug("injecting search path", "worker_id", gw.ID(), "dir", dir)
		return ch.Send(map[string]any{"op": OpSearchPath, "dir": dir})
	}

	if opts.OnStart != nil {
		opts.OnStart(root)
	}
	files, err := s.transfer(ctx, ch, root, opts)
	if err == nil {
		err = awaitAck(ctx, ch)
	}
	if err != nil {
		err = errors.Wrapf(err, "sync %s to %s", root, gw.ID())
	}
	if opts.OnFinish != nil {
		opts.OnFinish(root, files, err)
	}
	if err == nil {
		s.logger.Info("root synced", "worker_id", gw.ID(), "root", root, "files", files)
	}
	return err
}

// transfer streams the filtered tree and returns the number of files sent.
func (s *Syncer) transfer(ctx context.Context, ch gateway.Channel, root string, opts Options) (int, error) {
	matcher, err := NewMatcher(opts.Ignore)
	if err != nil {
		return 0, errors.NewConfigurationError("bad sync ignore list", err)
	}

	if err := ch.Send(map[string]any{"op": OpBegin, "dest": filepath.Base(root)}); err != nil {
		return 0, err
	}

	files := 0
	err = afero.Walk(s.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		slashRel := filepath.ToSlash(rel)

		if matcher.Match(info.Name(), slashRel) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		switch {
		case info.IsDir():
			return ch.Send(map[string]any{
				"op":   OpDir,
				"path": slashRel,
				"mode": uint32(info.Mode().Perm()),
			})
		case info.Mode()&os.ModeSymlink != 0:
			return s.sendSymlink(ch, path, slashRel)
		case info.Mode().IsRegular():
			size, err := s.sendFile(ch, path, slashRel, info)
			if err != nil {
				return err
			}
			files++
			s.logger.Debug("file sent", "path", slashRel, "size", size)
			if opts.OnFileSent != nil {
				opts.OnFileSent(slashRel, size)
			}
		}
		return nil
	})
	if err != nil {
		return files, err
	}

	return files, ch.Send(map[string]any{"op": OpDone, "files": files})
}

// sendFile streams one regular file as a header, its content in chunks of at
// most ChunkSize bytes and an end marker carrying the content's sha512.
func (s *Syncer) sendFile(ch gateway.Channel, path, rel string, info os.FileInfo) (int64, error) {
	f, err := s.fs.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if err := ch.Send(map[string]any{
		"op":    OpFile,
		"path":  rel,
		"mode":  uint32(info.Mode().Perm()),
		"mtime": info.ModTime().Unix(),
		"size":  info.Size(),
	}); err != nil {
		return 0, err
	}

	h := sha512.New()
	var size int64
	for {
		buf := make([]byte, ChunkSize)
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			h.Write(buf[:n])
			size += int64(n)
			if err := ch.Send(map[string]any{"op": OpChunk, "data": buf[:n]}); err != nil {
				return size, errors.Wrapf(err, "send chunk of %s", rel)
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return size, errors.Wrapf(err, "read %s", rel)
		}
	}

	return size, ch.Send(map[string]any{
		"op":     OpFileEnd,
		"size":   size,
		"sha512": base64.StdEncoding.EncodeToString(h.Sum(nil)),
	})
}

func (s *Syncer) sendSymlink(ch gateway.Channel, path, rel string) error {
	lr, ok := s.fs.(afero.LinkReader)
	if !ok {
		return nil
	}
	target, err := lr.ReadlinkIfPossible(path)
	if err != nil {
		return err
	}
	return ch.Send(map[string]any{"op": OpSymlink, "path": rel, "target": target})
}

// awaitAck blocks until the remote answers the batch.
func awaitAck(ctx context.Context, ch gateway.Channel) error {
	v, err := ch.Receive(ctx)
	if err != nil {
		return err
	}
	reply, ok := codec.ToMap(v)
	if !ok {
		return fmt.Errorf("unexpected sync reply %#v", v)
	}
	if msg, ok := codec.ToString(reply["error"]); ok && msg != "" {
		return fmt.Errorf("remote sync failed: %s", msg)
	}
	if done, _ := reply["ok"].(bool); !done {
		return fmt.Errorf("unexpected sync reply %v", reply)
	}
	return nil
}
