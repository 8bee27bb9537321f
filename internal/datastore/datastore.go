// Package datastore resolves owner scoped data references such as
// "@easypost.account" against a read-only tree of JSON documents:
//
//	<root>/<owner>/<source>.json
package datastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

var (
	// ErrOwnerNotFound is returned when the owner has no document for the source
	ErrOwnerNotFound = errors.New("owner data not found")

	// ErrPathNotFound is returned when a path segment does not exist in the document
	ErrPathNotFound = errors.New("data path not found")

	// ErrInvalidLocation is returned for empty or unsafe locations
	ErrInvalidLocation = errors.New("invalid data location")
)

const pathSeparator = "."

// DataStore reads owner scoped JSON documents
type DataStore struct {
	fs     afero.Fs
	root   string
	logger *zap.Logger
}

// New creates a data store over fs rooted at root
func New(fs afero.Fs, root string, logger *zap.Logger) *DataStore {
	return &DataStore{
		fs:     fs,
		root:   root,
		logger: logger.Named("data-store"),
	}
}

// NewOsDataStore creates a data store on the operating system filesystem
func NewOsDataStore(root string, logger *zap.Logger) *DataStore {
	return New(afero.NewOsFs(), root, logger)
}

// Get resolves location, "<source>[.<path>...]", for owner and returns the raw
// JSON value. An empty owner reads the source's own namespace.
func (d *DataStore) Get(ctx context.Context, location, owner string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	segments := strings.Split(location, pathSeparator)
	source := segments[0]
	if owner == "" {
		owner = source
	}
	if !safeSegment(source) || !safeSegment(owner) {
		return nil, fmt.Errorf("%w: %q for owner %q", ErrInvalidLocation, location, owner)
	}

	path := filepath.Join(d.root, owner, source+".json")
	data, err := afero.ReadFile(d.fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s", ErrOwnerNotFound, owner, source)
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("failed to parse %s: invalid JSON", path)
	}

	if len(segments) == 1 {
		return json.RawMessage(data), nil
	}

	result := gjson.GetBytes(data, gjsonPath(segments[1:]))
	if !result.Exists() {
		return nil, fmt.Errorf("%w: %s for owner %s", ErrPathNotFound, location, owner)
	}

	d.logger.Debug("Resolved data reference",
		zap.String("location", location),
		zap.String("owner", owner))
	return json.RawMessage(result.Raw), nil
}

func gjsonPath(segments []string) string {
	escaped := make([]string, len(segments))
	for i, seg := range segments {
		var b strings.Builder
		for _, r := range seg {
			switch r {
			case '\\', '*', '?', '|', '#', '@', '!', '=', '<', '>', '%', '.':
				b.WriteByte('\\')
			}
			b.WriteRune(r)
		}
		escaped[i] = b.String()
	}
	return strings.Join(escaped, ".")
}

func safeSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}
