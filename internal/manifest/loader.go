package manifest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/agentworkforce/socialhost/internal/fetch"
)

type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (fetch.Result, error)
}

// Classifier returns a reputation verdict for a URL; anything but zero is unsafe.
type Classifier interface {
	Classify(ctx context.Context, rawURL string) (int, error)
}

type History interface {
	HasLogin(origin string) bool
	VisitCount(origin string) int
}

type Prompter interface {
	Prompt(ctx context.Context, m Manifest) (bool, error)
}

type PromptFunc func(ctx context.Context, m Manifest) (bool, error)

func (f PromptFunc) Prompt(ctx context.Context, m Manifest) (bool, error) {
	return f(ctx, m)
}

type Installer interface {
	InstallManifest(m Manifest) error
}

type LoaderOptions struct {
	Fetcher        Fetcher
	Classifier     Classifier
	History        History
	Prompter       Prompter
	Installer      Installer
	DevMode        bool
	VisitThreshold int
	Logger         *slog.Logger
}

type Loader struct {
	fetcher        Fetcher
	classifier     Classifier
	history        History
	prompter       Prompter
	installer      Installer
	devMode        bool
	visitThreshold int
	logger         *slog.Logger

	group singleflight.Group
}

func NewLoader(opts LoaderOptions) *Loader {
	visitThreshold := opts.VisitThreshold
	if visitThreshold <= 0 {
		visitThreshold = 3
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = fetch.New(fetch.Options{})
	}
	return &Loader{
		fetcher:        fetcher,
		classifier:     opts.Classifier,
		history:        opts.History,
		prompter:       opts.Prompter,
		installer:      opts.Installer,
		devMode:        opts.DevMode,
		visitThreshold: visitThreshold,
		logger:         logger,
	}
}

// LoadManifest fetches, checks, validates and installs the manifest at
// rawURL. Concurrent calls for the same url and mode share one attempt.
func (l *Loader) LoadManifest(ctx context.Context, rawURL string, systemInstall bool) (Manifest, error) {
	rawURL = strings.TrimSpace(rawURL)
	key := rawURL + "|" + strconv.FormatBool(systemInstall)
	v, err, _ := l.group.Do(key, func() (any, error) {
		m, err := l.load(ctx, rawURL, systemInstall)
		if errors.Is(err, ErrShadowed) {
			l.logger.Info("manifest not installed, origin already has an installed record", "url", rawURL, "origin", m.Origin)
			return nil, err
		}
		if err != nil {
			l.logger.Warn("manifest install failed", "url", rawURL, "system", systemInstall, "error", err)
			return nil, err
		}
		l.logger.Info("manifest installed", "url", rawURL, "origin", m.Origin, "system", systemInstall)
		return m, nil
	})
	if err != nil {
		return Manifest{}, err
	}
	return v.(Manifest), nil
}

func (l *Loader) load(ctx context.Context, rawURL string, systemInstall bool) (Manifest, error) {
	remote := !IsBuiltinLocation(rawURL) && !l.devMode
	if remote && l.classifier != nil {
		verdict, err := l.classifier.Classify(ctx, rawURL)
		if err != nil {
			return Manifest{}, fmt.Errorf("classify %s: %w", rawURL, err)
		}
		if verdict != 0 {
			return Manifest{}, &UnsafeOriginError{URL: rawURL, Verdict: verdict}
		}
	}
	res, err := l.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return Manifest{}, err
	}
	if remote && !res.Secure {
		return Manifest{}, &InsecureChannelError{URL: rawURL}
	}
	m, err := Parse(rawURL, res.Body)
	if err != nil {
		return Manifest{}, err
	}
	if !systemInstall {
		if err := l.consent(ctx, m); err != nil {
			return Manifest{}, err
		}
	}
	if l.installer == nil {
		return m, nil
	}
	if err := l.installer.InstallManifest(m); err != nil {
		return m, err
	}
	return m, nil
}

func (l *Loader) consent(ctx context.Context, m Manifest) error {
	if l.history == nil || !(l.history.HasLogin(m.Origin) || l.history.VisitCount(m.Origin) >= l.visitThreshold) {
		return fmt.Errorf("%w: %s has no login or visit history", ErrInstallDeclined, m.Origin)
	}
	if l.prompter == nil {
		return fmt.Errorf("%w: no prompter available", ErrInstallDeclined)
	}
	accepted, err := l.prompter.Prompt(ctx, m)
	if err != nil {
		return err
	}
	if !accepted {
		return fmt.Errorf("%w: user declined %s", ErrInstallDeclined, m.Origin)
	}
	return nil
}
