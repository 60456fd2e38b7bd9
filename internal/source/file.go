package source

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/spf13/afero"
)

// FileProvider reads and writes plan files on an afero filesystem.
type FileProvider struct {
	fs      afero.Fs
	charset Charset
}

// NewFileProvider returns a provider over fsys. A nil fsys means the OS
// filesystem.
func NewFileProvider(fsys afero.Fs, charset Charset) *FileProvider {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if charset == "" {
		charset = CharsetAuto
	}
	return &FileProvider{fs: fsys, charset: charset}
}

func (p *FileProvider) Load(_ context.Context, path string) (string, error) {
	data, err := afero.ReadFile(p.fs, path)
	if err != nil {
		return "", err
	}
	return p.charset.Decode(data)
}

// Store replaces path with text. The write goes to a temp file in the same
// directory which is then renamed over the target, keeping its mode.
//
// With CharsetAuto a file that is currently not valid UTF-8 is written
// back as ISO-8859-1.
func (p *FileProvider) Store(_ context.Context, path, text string) error {
	charset := p.charset
	mode := os.FileMode(0o644)

	old, err := afero.ReadFile(p.fs, path)
	switch {
	case err == nil:
		if charset == CharsetAuto && !utf8.Valid(old) {
			charset = CharsetLatin1
		}
		if fi, serr := p.fs.Stat(path); serr == nil {
			mode = fi.Mode().Perm()
		}
	case !errors.Is(err, fs.ErrNotExist):
		return err
	}

	data, err := charset.Encode(text)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := p.fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := afero.TempFile(p.fs, dir, ".plancal-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer p.fs.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := p.fs.Chmod(tmpName, mode); err != nil {
		return err
	}
	return p.fs.Rename(tmpName, path)
}
