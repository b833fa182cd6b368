package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalBlob implements Store against a local directory. URLs are
// "file://<root>/<logicalPath>".
type LocalBlob struct {
	root string
}

// NewLocalBlob creates a LocalBlob rooted at root.
func NewLocalBlob(root string) *LocalBlob {
	return &LocalBlob{root: root}
}

func (b *LocalBlob) urlFor(logicalPath string) string {
	return "file://" + filepath.Join(b.root, logicalPath)
}

func (b *LocalBlob) pathFromURL(url string) (string, error) {
	const prefix = "file://"
	if !strings.HasPrefix(url, prefix) {
		return "", fmt.Errorf("blob: not a local url: %s", url)
	}
	return strings.TrimPrefix(url, prefix), nil
}

// Put implements Store.
func (b *LocalBlob) Put(ctx context.Context, logicalPath string, data []byte, contentType string) (string, error) {
	dest := filepath.Join(b.root, logicalPath)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("blob: mkdir: %w", err)
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", fmt.Errorf("blob: write: %w", err)
	}
	return b.urlFor(logicalPath), nil
}

// Get implements Store.
func (b *LocalBlob) Get(ctx context.Context, url string) ([]byte, error) {
	path, err := b.pathFromURL(url)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("blob: read: %w", err)
	}
	return data, nil
}

// Delete implements Store.
func (b *LocalBlob) Delete(ctx context.Context, url string) error {
	path, err := b.pathFromURL(url)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blob: delete: %w", err)
	}
	return nil
}

// Rename moves the object at oldLogicalPath to newLogicalPath, used for the
// thumbnail-ownership-transfer step of source-identity dedup (spec §4.2
// step 10). Returns the new object's URL.
func (b *LocalBlob) Rename(ctx context.Context, oldLogicalPath, newLogicalPath string) (string, error) {
	oldPath := filepath.Join(b.root, oldLogicalPath)
	newPath := filepath.Join(b.root, newLogicalPath)
	if err := os.MkdirAll(filepath.Dir(newPath), 0o755); err != nil {
		return "", fmt.Errorf("blob: mkdir: %w", err)
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return "", fmt.Errorf("blob: rename: %w", err)
	}
	return b.urlFor(newLogicalPath), nil
}
