package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/DocHaskins/AudiobookManager-sub004/internal/config"
	"github.com/DocHaskins/AudiobookManager-sub004/internal/logging"
	"github.com/DocHaskins/AudiobookManager-sub004/internal/services/ffmpeg"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error

	loggerOnce sync.Once
	logger     *slog.Logger
	loggerErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) ensureLogger() (*slog.Logger, error) {
	c.loggerOnce.Do(func() {
		cfg, err := c.ensureConfig()
		if err != nil {
			c.loggerErr = err
			return
		}
		c.logger, c.loggerErr = logging.NewFromConfig(cfg)
	})
	return c.logger, c.loggerErr
}

func (c *commandContext) backend() (*ffmpeg.CLI, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return ffmpeg.NewCLI(
		ffmpeg.WithFFmpeg(cfg.FFmpegBinary()),
		ffmpeg.WithFFprobe(cfg.FFprobeBinary()),
	), nil
}

var audioExtensions = map[string]struct{}{
	".mp3":  {},
	".m4a":  {},
	".m4b":  {},
	".aac":  {},
	".flac": {},
	".ogg":  {},
	".opus": {},
	".wav":  {},
}

// resolveAudioFiles turns command arguments into absolute paths, validating
// that each exists and carries a recognized audio extension.
func resolveAudioFiles(args []string) ([]string, error) {
	paths := make([]string, 0, len(args))
	for _, arg := range args {
		absPath, err := filepath.Abs(arg)
		if err != nil {
			return nil, fmt.Errorf("resolve path: %w", err)
		}
		info, err := os.Stat(absPath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("file does not exist: %s", absPath)
			}
			return nil, fmt.Errorf("inspect file: %w", err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("%s is a directory", absPath)
		}
		ext := strings.ToLower(filepath.Ext(info.Name()))
		if _, ok := audioExtensions[ext]; !ok {
			return nil, fmt.Errorf("unsupported file extension %q", ext)
		}
		paths = append(paths, absPath)
	}
	return paths, nil
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
