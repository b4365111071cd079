// Package datasource resolves the user-supplied data path into the list of
// Parquet files every backend reads.
package datasource

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/TFMV/tripbench/pkg/errors"
)

// ParquetExtension is the suffix used when a directory is expanded.
const ParquetExtension = ".parquet"

// Source is a resolved, ordered set of Parquet files.
type Source struct {
	// Path is the location the user asked for (directory, glob or file).
	Path string `json:"path"`
	// Files are the matching files in lexical order.
	Files []string `json:"files"`
}

// Clone returns a copy whose file list can be modified independently.
func (s Source) Clone() Source {
	return Source{Path: s.Path, Files: append([]string(nil), s.Files...)}
}

// Empty reports whether the source has no files.
func (s Source) Empty() bool {
	return len(s.Files) == 0
}

// Resolver expands paths on a filesystem.
type Resolver struct {
	fs     afero.Fs
	logger zerolog.Logger
}

// NewResolver creates a resolver over fs. A nil fs means the OS filesystem.
func NewResolver(fs afero.Fs, logger zerolog.Logger) *Resolver {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Resolver{
		fs:     fs,
		logger: logger.With().Str("component", "datasource").Logger(),
	}
}

// Fs returns the filesystem the resolver reads from.
func (r *Resolver) Fs() afero.Fs {
	return r.fs
}

// Resolve expands path. A directory yields every *.parquet file directly
// inside it, a pattern containing glob metacharacters yields its matches and
// a regular file yields itself. Finding nothing is a DataSourceNotFound error.
func (r *Resolver) Resolve(path string) (Source, error) {
	if path == "" {
		return Source{}, errors.New(errors.CodeInvalidRequest, "data source path is required")
	}

	var files []string
	switch {
	case hasGlobMeta(path):
		matches, err := afero.Glob(r.fs, path)
		if err != nil {
			return Source{}, errors.Wrapf(err, errors.CodeInvalidRequest, "invalid glob pattern %q", path)
		}
		files, err = r.regularFiles(matches)
		if err != nil {
			return Source{}, err
		}

	default:
		info, err := r.fs.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return Source{}, errors.Wrapf(err, errors.CodeDataSourceNotFound, "data source %q does not exist", path)
			}
			return Source{}, errors.Wrapf(err, errors.CodeDataSourceNotFound, "cannot stat data source %q", path)
		}
		if info.IsDir() {
			matches, err := afero.Glob(r.fs, filepath.Join(path, "*"+ParquetExtension))
			if err != nil {
				return Source{}, errors.Wrapf(err, errors.CodeInternal, "failed to list %q", path)
			}
			files, err = r.regularFiles(matches)
			if err != nil {
				return Source{}, err
			}
		} else {
			files = []string{path}
		}
	}

	if len(files) == 0 {
		return Source{}, errors.Newf(errors.CodeDataSourceNotFound, "no parquet files found at %q", path)
	}
	sort.Strings(files)

	r.logger.Debug().
		Str("path", path).
		Int("files", len(files)).
		Msg("Resolved data source")

	return Source{Path: path, Files: files}, nil
}

// regularFiles drops directories from a glob match list.
func (r *Resolver) regularFiles(matches []string) ([]string, error) {
	files := make([]string, 0, len(matches))
	for _, m := range matches {
		info, err := r.fs.Stat(m)
		if err != nil {
			return nil, errors.Wrapf(err, errors.CodeDataSourceNotFound, "cannot stat %q", m)
		}
		if info.IsDir() {
			continue
		}
		files = append(files, m)
	}
	return files, nil
}

func hasGlobMeta(path string) bool {
	return strings.ContainsAny(path, "*?[")
}
