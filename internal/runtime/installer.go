package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/rs/zerolog/log"
)

// installBackend is what the installer needs from the registry.
type installBackend interface {
	Install(ctx context.Context, name string, source []byte, autoEnable bool) (Descriptor, error)
}

// Installer accepts new plugin source by raw bytes or by URL. Neither path
// executes plugin code: shape validation and the install/enable sequence are
// the registry's job. URL fetches run under a bounded timeout and never hold
// any plugin-name lock while the network call is outstanding.
type Installer struct {
	registry installBackend
	client   *http.Client
	maxSize  int64
}

// NewInstaller returns an installer with the given fetch timeout and
// download size cap.
func NewInstaller(registry installBackend, fetchTimeout time.Duration, maxSize int64) *Installer {
	return &Installer{
		registry: registry,
		client:   &http.Client{Timeout: fetchTimeout},
		maxSize:  maxSize,
	}
}

// InstallFromBytes installs a plugin from in-memory source. No network.
func (i *Installer) InstallFromBytes(
	ctx context.Context,
	name string,
	data []byte,
	autoEnable bool,
) (InstallResponse, error) {
	if name == "" {
		return InstallResponse{}, errors.New("plugin name must not be empty")
	}
	if len(data) == 0 {
		return InstallResponse{}, errors.New("plugin source must not be empty")
	}

	desc, err := i.registry.Install(ctx, name, data, autoEnable)
	if err != nil {
		return InstallResponse{}, err
	}

	return InstallResponse{Descriptor: desc, InstalledAt: time.Now()}, nil
}

// InstallFromURL fetches the artifact and installs it under the name derived
// from the URL's path basename. Network trouble surfaces as *FetchError,
// distinct from the *LoadError a bad artifact produces.
func (i *Installer) InstallFromURL(
	ctx context.Context,
	rawURL string,
	autoEnable bool,
) (InstallResponse, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return InstallResponse{}, &FetchError{URL: rawURL, Err: err}
	}

	name := pluginNameFromFile(path.Base(parsed.Path))
	if name == "" || name == "." || name == "/" {
		return InstallResponse{}, &FetchError{
			URL: rawURL,
			Err: errors.New("cannot derive plugin name from url path"),
		}
	}

	data, err := i.fetch(ctx, rawURL)
	if err != nil {
		return InstallResponse{}, err
	}

	log.Info().
		Str("event", "plugin_fetched").
		Str("url", rawURL).
		Str("plugin", name).
		Int("bytes", len(data)).
		Msg("fetched plugin source")

	return i.InstallFromBytes(ctx, name, data, autoEnable)
}

func (i *Installer) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{
			URL: rawURL,
			Err: fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, i.maxSize+1))
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	if int64(len(data)) > i.maxSize {
		return nil, &FetchError{
			URL: rawURL,
			Err: fmt.Errorf("artifact exceeds %d byte limit", i.maxSize),
		}
	}

	return data, nil
}
