package builtin

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"slices"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"

	"github.com/phantom-sec/phantom/internal/domain"
	"github.com/phantom-sec/phantom/internal/plugin"
)

var fileHashDescriptor = domain.PluginDescriptor{
	ID:          "file-hash",
	Name:        "File Hash",
	Version:     "1.1.0",
	Category:    domain.CategoryForensics,
	Description: "Compute MD5, SHA-1, SHA-256, SHA3-256 and BLAKE2b digests of a local file",
	Author:      "phantom",
}

var hashAlgorithms = map[string]func() hash.Hash{
	"md5":         md5.New,
	"sha1":        sha1.New,
	"sha256":      sha256.New,
	"sha3-256":    sha3.New256,
	"blake2b-256": newBlake2b256,
}

// blake2b.New256 only fails for oversized keys.
func newBlake2b256() hash.Hash {
	h, _ := blake2b.New256(nil)
	return h
}

// fileHash keeps its file open between Execute and Cleanup.
type fileHash struct {
	plugin.Base
	f *os.File
}

func (p *fileHash) Describe() domain.PluginDescriptor { return fileHashDescriptor.Clone() }

// Options:
//
//	algorithms  subset of md5, sha1, sha256, sha3-256, blake2b-256; default all
func (p *fileHash) Execute(ctx context.Context, target string, opts map[string]any) (map[string]any, error) {
	if target == "" {
		return nil, errors.New("empty path")
	}
	names := optStrings(opts, "algorithms", nil)
	if len(names) == 0 {
		for name := range hashAlgorithms {
			names = append(names, name)
		}
		slices.Sort(names)
	}

	hashes := make(map[string]hash.Hash, len(names))
	writers := make([]io.Writer, 0, len(names))
	for _, name := range names {
		name = strings.ToLower(name)
		newHash, ok := hashAlgorithms[name]
		if !ok {
			return nil, fmt.Errorf("unknown algorithm %q", name)
		}
		h := newHash()
		hashes[name] = h
		writers = append(writers, h)
	}

	f, err := os.Open(target)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	p.f = f
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", target)
	}

	n, err := io.Copy(io.MultiWriter(writers...), &ctxReader{ctx: ctx, r: f})
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}

	digests := make(map[string]any, len(hashes))
	for name, h := range hashes {
		digests[name] = hex.EncodeToString(h.Sum(nil))
	}
	return map[string]any{
		"path":    target,
		"size":    n,
		"mode":    info.Mode().String(),
		"digests": digests,
	}, nil
}

func (p *fileHash) Cleanup(context.Context) error {
	if p.f == nil {
		return nil
	}
	err := p.f.Close()
	p.f = nil
	return err
}

// ctxReader stops a long copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(b []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(b)
}
