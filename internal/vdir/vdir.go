package vdir

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"vdircal/internal/model"
)

var (
	// ErrNotFound means no item exists at the given href.
	ErrNotFound = errors.New("vdir: item not found")

	// ErrWrongEtag means the stored item changed underneath the caller;
	// the write was refused and nothing was modified.
	ErrWrongEtag = errors.New("vdir: etag mismatch")

	// ErrCollectionNotFound means the backing directory does not exist.
	ErrCollectionNotFound = errors.New("vdir: collection not found")
)

// AlreadyExistsError reports an upload collision.
type AlreadyExistsError struct {
	ExistingHref string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("vdir: item already exists at %s", e.ExistingHref)
}

// safeUIDChars are the characters a uid may contain to be used verbatim
// as a file name.
const safeUIDChars = "abcdefghijklmnopqrstuvwxyz" +
	"ABCDEFGHIJKLMNOPQRSTUVWXYZ" +
	"0123456789_.-+@"

// Item is one raw calendar object as stored in a vdir.
type Item struct {
	Raw string
}

// UID extracts the item's UID property, honoring folded continuation
// lines. Empty if the item carries none.
func (i Item) UID() string {
	lines := strings.Split(i.Raw, "\n")
	for n, line := range lines {
		line = strings.TrimRight(line, "\r")
		if !strings.HasPrefix(line, "UID:") {
			continue
		}
		uid := strings.TrimSpace(line[4:])
		for _, cont := range lines[n+1:] {
			cont = strings.TrimRight(cont, "\r")
			if !strings.HasPrefix(cont, " ") {
				break
			}
			uid += cont[1:]
		}
		return uid
	}
	return ""
}

// Collection is one vdir: a directory holding one file per item. All
// writes are all-or-nothing (temp file, then atomic publish) and every
// mutation is guarded by an etag check.
type Collection struct {
	path string
	ext  string
}

// Open opens an existing vdir directory.
func Open(path, ext string) (*Collection, error) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, path)
	}
	return &Collection{path: path, ext: ext}, nil
}

// Create opens the vdir at path, creating the directory if needed.
func Create(path, ext string) (*Collection, error) {
	if err := os.MkdirAll(path, 0o750); err != nil {
		return nil, err
	}
	return &Collection{path: path, ext: ext}, nil
}

// Discover returns a collection for every subdirectory of base.
func Discover(base, ext string) ([]*Collection, error) {
	entries, err := os.ReadDir(base)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []*Collection
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, &Collection{path: filepath.Join(base, e.Name()), ext: ext})
		}
	}
	return out, nil
}

// Path returns the collection's backing directory.
func (c *Collection) Path() string {
	return c.path
}

func (c *Collection) filepath(href string) string {
	return filepath.Join(c.path, href)
}

// List returns (href, etag) for every item in the collection.
func (c *Collection) List() ([]model.ItemRef, error) {
	entries, err := os.ReadDir(c.path)
	if err != nil {
		return nil, err
	}
	var out []model.ItemRef
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), c.ext) {
			continue
		}
		etag, err := Etag(c.filepath(e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, model.ItemRef{Href: e.Name(), Etag: etag})
	}
	return out, nil
}

// Get reads the item at href together with its current etag.
func (c *Collection) Get(href string) (Item, string, error) {
	data, err := os.ReadFile(c.filepath(href))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Item{}, "", fmt.Errorf("%w: %s", ErrNotFound, href)
		}
		return Item{}, "", err
	}
	etag, err := Etag(c.filepath(href))
	if err != nil {
		return Item{}, "", err
	}
	return Item{Raw: string(data)}, etag, nil
}

// Upload stores a new item under an href derived from its uid and returns
// the assigned href and etag. Fails with AlreadyExistsError if that href
// is taken.
func (c *Collection) Upload(item Item) (string, string, error) {
	href := generateHref(item.UID()) + c.ext
	etag, err := writeAtomic(c.filepath(href), []byte(item.Raw), false)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", "", &AlreadyExistsError{ExistingHref: href}
		}
		return "", "", err
	}
	return href, etag, nil
}

// Update overwrites the item at href, refusing if the stored etag no
// longer matches (a concurrent external edit happened). Returns the new
// etag.
func (c *Collection) Update(href string, item Item, etag string) (string, error) {
	fpath := c.filepath(href)
	actual, err := Etag(fpath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, href)
		}
		return "", err
	}
	if etag != actual {
		return "", fmt.Errorf("%w: %s (got %s, stored %s)", ErrWrongEtag, href, etag, actual)
	}
	return writeAtomic(fpath, []byte(item.Raw), true)
}

// Delete removes the item at href under the same etag check as Update.
func (c *Collection) Delete(href, etag string) error {
	fpath := c.filepath(href)
	actual, err := Etag(fpath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, href)
		}
		return err
	}
	if etag != actual {
		return fmt.Errorf("%w: %s (got %s, stored %s)", ErrWrongEtag, href, etag, actual)
	}
	return os.Remove(fpath)
}

// GetMeta reads a per-directory metadata key (e.g. "color"), empty if
// unset.
func (c *Collection) GetMeta(key string) (string, error) {
	data, err := os.ReadFile(filepath.Join(c.path, key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// SetMeta writes a per-directory metadata key.
func (c *Collection) SetMeta(key, value string) error {
	_, err := writeAtomic(filepath.Join(c.path, key), []byte(value), true)
	return err
}

// Color returns the collection's display color ("#rrggbb"), empty if
// unset or malformed.
func (c *Collection) Color() string {
	v, err := c.GetMeta("color")
	if err != nil || !validColor(v) {
		return ""
	}
	return strings.ToUpper(v)
}

// SetColor stores the collection's display color.
func (c *Collection) SetColor(v string) error {
	if !validColor(v) {
		return fmt.Errorf("vdir: invalid color %q, want #rrggbb", v)
	}
	return c.SetMeta("color", strings.ToUpper(v))
}

// DisplayName returns the collection's human-readable name, empty if
// unset.
func (c *Collection) DisplayName() string {
	v, _ := c.GetMeta("displayname")
	return v
}

// SetDisplayName stores the collection's human-readable name.
func (c *Collection) SetDisplayName(v string) error {
	return c.SetMeta("displayname", v)
}

func validColor(v string) bool {
	if len(v) != 7 || v[0] != '#' {
		return false
	}
	_, err := hex.DecodeString(v[1:])
	return err == nil
}

// Etag derives a change token from the file's modification time at
// nanosecond resolution, after forcing a flush so successive writes are
// guaranteed distinguishable. Works on directories too, which is what the
// default calendar ctag is built on.
func Etag(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	// Errors from fsync on read-only descriptors are not worth failing
	// over; the stat below still reflects the latest published write.
	_ = f.Sync()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	mtime := info.ModTime()
	return fmt.Sprintf("%d.%09d", mtime.Unix(), mtime.Nanosecond()), nil
}

// writeAtomic publishes data at dest via a temp file in the same
// directory, so a crash never yields a truncated item. With overwrite
// unset an existing dest fails with fs.ErrExist.
func writeAtomic(dest string, data []byte, overwrite bool) (string, error) {
	dir := filepath.Dir(dest)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".tmp-*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	if overwrite {
		if err := os.Rename(tmpName, dest); err != nil {
			return "", err
		}
	} else {
		// link() does not replace existing targets, which is what turns
		// a double upload into AlreadyExists instead of silent loss.
		if err := os.Link(tmpName, dest); err != nil {
			return "", err
		}
	}
	return Etag(dest)
}

// generateHref derives a file name from a uid: the uid itself when it is
// safe, its sha1 when it is not, and a random identifier when the item
// has none.
func generateHref(uid string) string {
	if uid == "" {
		u := uuid.New()
		return hex.EncodeToString(u[:])
	}
	for _, r := range uid {
		if !strings.ContainsRune(safeUIDChars, r) {
			sum := sha1.Sum([]byte(uid))
			return hex.EncodeToString(sum[:])
		}
	}
	return uid
}
