package filestore

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"

	"github.com/friendfund/backend/ledger"
)

// CloudinaryConfig holds account credentials.
type CloudinaryConfig struct {
	CloudName string
	APIKey    string
	APISecret string
	// Root is prefixed to every folder, e.g. "friendfund".
	Root string
}

// Cloudinary stores evidence as Cloudinary image assets.
type Cloudinary struct {
	cld  *cloudinary.Cloudinary
	root string
}

// NewCloudinary validates credentials and builds the client.
func NewCloudinary(cfg CloudinaryConfig) (*Cloudinary, error) {
	cld, err := cloudinary.NewFromParams(cfg.CloudName, cfg.APIKey, cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("cloudinary config error: %v", err)
	}
	return &Cloudinary{cld: cld, root: strings.Trim(cfg.Root, "/")}, nil
}

func (c *Cloudinary) folder(folder string) string {
	if c.root == "" {
		return folder
	}
	return c.root + "/" + folder
}

// Put uploads data and returns its secure URL.
func (c *Cloudinary) Put(ctx context.Context, folder, name string, data []byte) (string, error) {
	f, err := cleanSegment(folder)
	if err != nil {
		return "", err
	}
	n, err := cleanSegment(name)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	resp, err := c.cld.Upload.Upload(ctx, bytes.NewReader(data), uploader.UploadParams{
		Folder:   c.folder(f),
		PublicID: n,
	})
	if err != nil {
		return "", fmt.Errorf("%w: upload error: %v", ledger.ErrUpstreamDegraded, err)
	}
	if resp.Error.Message != "" {
		return "", fmt.Errorf("%w: upload error: %s", ledger.ErrUpstreamDegraded, resp.Error.Message)
	}
	return resp.SecureURL, nil
}

// Delete destroys the asset behind a URL returned by Put.
func (c *Cloudinary) Delete(ctx context.Context, assetURL string) error {
	publicID, err := PublicID(assetURL)
	if err != nil {
		return fmt.Errorf("%w: could not extract public ID: %v", ledger.ErrInvalidArgument, err)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := c.cld.Upload.Destroy(ctx, uploader.DestroyParams{PublicID: publicID}); err != nil {
		return fmt.Errorf("%w: delete error: %v", ledger.ErrUpstreamDegraded, err)
	}
	return nil
}

// PublicID extracts the asset id from a delivery URL such as
// https://res.cloudinary.com/demo/image/upload/v1234567890/screens/abc.png.
func PublicID(assetURL string) (string, error) {
	u, err := url.Parse(assetURL)
	if err != nil {
		return "", err
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	i := 0
	for i < len(parts) && parts[i] != "upload" {
		i++
	}
	if i >= len(parts)-1 {
		return "", fmt.Errorf("invalid cloudinary URL format")
	}
	rest := parts[i+1:]
	if len(rest) > 1 && len(rest[0]) > 1 && rest[0][0] == 'v' && isDigits(rest[0][1:]) {
		rest = rest[1:]
	}
	joined := path.Join(rest...)
	return strings.TrimSuffix(joined, path.Ext(joined)), nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
