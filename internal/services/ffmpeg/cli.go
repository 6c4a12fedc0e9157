package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var commandContext = exec.CommandContext

// Option configures the CLI client.
type Option func(*CLI)

// WithFFmpeg overrides the ffmpeg binary name.
func WithFFmpeg(binary string) Option {
	return func(c *CLI) {
		if binary != "" {
			c.ffmpeg = binary
		}
	}
}

// WithFFprobe overrides the ffprobe binary name.
func WithFFprobe(binary string) Option {
	return func(c *CLI) {
		if binary != "" {
			c.ffprobe = binary
		}
	}
}

// CLI shells out to ffmpeg and ffprobe. The zero concurrency state lives in
// each invocation, so one CLI value serves any number of parallel calls.
type CLI struct {
	ffmpeg  string
	ffprobe string
}

// NewCLI constructs a CLI client using defaults from PATH.
func NewCLI(opts ...Option) *CLI {
	cli := &CLI{ffmpeg: "ffmpeg", ffprobe: "ffprobe"}
	for _, opt := range opts {
		opt(cli)
	}
	return cli
}

// SourceInfo is what ffprobe reports about an input file.
type SourceInfo struct {
	Duration time.Duration
	// BitrateBPS is bits per second, zero when the container does not
	// report one.
	BitrateBPS int
}

// Probe inspects sourcePath with ffprobe.
func (c *CLI) Probe(ctx context.Context, sourcePath string) (SourceInfo, error) {
	cmd := commandContext(ctx, c.ffprobe,
		"-v", "error",
		"-show_entries", "format=duration,bit_rate",
		"-of", "json",
		sourcePath,
	)
	out, err := cmd.Output()
	if err != nil {
		return SourceInfo{}, fmt.Errorf("ffprobe %s: %w", filepath.Base(sourcePath), err)
	}

	var payload struct {
		Format struct {
			Duration string `json:"duration"`
			BitRate  string `json:"bit_rate"`
		} `json:"format"`
	}
	if err := json.Unmarshal(out, &payload); err != nil {
		return SourceInfo{}, fmt.Errorf("parse ffprobe output: %w", err)
	}

	var info SourceInfo
	if secs, err := strconv.ParseFloat(strings.TrimSpace(payload.Format.Duration), 64); err == nil && secs > 0 {
		info.Duration = time.Duration(secs * float64(time.Second))
	}
	if bps, err := strconv.Atoi(strings.TrimSpace(payload.Format.BitRate)); err == nil && bps > 0 {
		info.BitrateBPS = bps
	}
	return info, nil
}

// Convert transcodes sourcePath into destPath. It refuses to overwrite an
// existing destination.
func (c *CLI) Convert(ctx context.Context, sourcePath, destPath string, meta Metadata, opts ConvertOptions) error {
	if sourcePath == "" {
		return errors.New("source path required")
	}
	if destPath == "" {
		return errors.New("destination path required")
	}

	var total time.Duration
	bitrate := strings.TrimSpace(opts.Bitrate)
	if info, err := c.Probe(ctx, sourcePath); err == nil {
		total = info.Duration
		if opts.PreserveOriginalBitrate && info.BitrateBPS > 0 {
			bitrate = strconv.Itoa(info.BitrateBPS)
		}
	}

	args := convertArgs(sourcePath, destPath, meta, bitrate)
	return c.runWithProgress(ctx, args, total, func(update ProgressUpdate) {
		if opts.Progress != nil {
			opts.Progress(update)
		}
	})
}

// Merge concatenates ordered chapters into destPath with chapter markers.
func (c *CLI) Merge(ctx context.Context, chapters []ChapterInput, destPath string, meta Metadata, onProgress func(stage string, fraction float64)) error {
	if len(chapters) == 0 {
		return errors.New("at least one chapter required")
	}
	if destPath == "" {
		return errors.New("destination path required")
	}
	report := func(stage string, fraction float64) {
		if onProgress != nil {
			onProgress(stage, fraction)
		}
	}

	report("preparing", 0)

	workDir, err := os.MkdirTemp(filepath.Dir(destPath), ".abman-merge-*")
	if err != nil {
		return fmt.Errorf("create merge workdir: %w", err)
	}
	defer os.RemoveAll(workDir)

	listPath := filepath.Join(workDir, "inputs.txt")
	if err := os.WriteFile(listPath, concatList(chapters), 0o644); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}
	metaPath := filepath.Join(workDir, "metadata.txt")
	if err := os.WriteFile(metaPath, ffmetadata(chapters, meta), 0o644); err != nil {
		return fmt.Errorf("write chapter metadata: %w", err)
	}

	var total time.Duration
	for _, ch := range chapters {
		total += ch.Duration
	}

	args := mergeArgs(listPath, metaPath, destPath, meta)
	err = c.runWithProgress(ctx, args, total, func(update ProgressUpdate) {
		report("merging", update.Fraction)
	})
	if err != nil {
		return err
	}

	report("finalizing", 1)
	return nil
}

// runWithProgress starts ffmpeg with `-progress pipe:1` appended, parses the
// key=value progress stream from stdout, and keeps the tail of stderr for
// error reporting.
func (c *CLI) runWithProgress(ctx context.Context, args []string, total time.Duration, progress func(ProgressUpdate)) error {
	full := append(append([]string{}, args...), "-nostats", "-progress", "pipe:1")
	cmd := commandContext(ctx, c.ffmpeg, full...) //nolint:gosec

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr tailBuffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", c.ffmpeg, err)
	}

	parser := newProgressParser(total)
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		if update, ok := parser.parseLine(scanner.Text()); ok {
			progress(update)
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if msg := stderr.Tail(); msg != "" {
			return fmt.Errorf("%s: %w: %s", c.ffmpeg, err, msg)
		}
		return fmt.Errorf("%s: %w", c.ffmpeg, err)
	}
	return nil
}

// progressParser folds ffmpeg's `-progress` key=value stream into updates.
// One update is emitted per `progress=` terminator line.
type progressParser struct {
	total    time.Duration
	position time.Duration
	speed    float64
}

func newProgressParser(total time.Duration) *progressParser {
	return &progressParser{total: total}
}

func (p *progressParser) parseLine(line string) (ProgressUpdate, bool) {
	key, value, found := strings.Cut(strings.TrimSpace(line), "=")
	if !found {
		return ProgressUpdate{}, false
	}
	value = strings.TrimSpace(value)

	switch key {
	case "out_time_us", "out_time_ms":
		// Despite the name, both keys are microseconds in ffmpeg.
		if us, err := strconv.ParseInt(value, 10, 64); err == nil && us >= 0 {
			p.position = time.Duration(us) * time.Microsecond
		}
	case "speed":
		if mult, err := strconv.ParseFloat(strings.TrimSuffix(value, "x"), 64); err == nil && mult > 0 {
			p.speed = mult
		}
	case "progress":
		update := ProgressUpdate{Fraction: -1, Speed: p.speed}
		if p.total > 0 {
			fraction := float64(p.position) / float64(p.total)
			if fraction > 1 {
				fraction = 1
			}
			update.Fraction = fraction
		}
		if value == "end" {
			update.Fraction = 1
		}
		return update, true
	}
	return ProgressUpdate{}, false
}

func convertArgs(sourcePath, destPath string, meta Metadata, bitrate string) []string {
	args := []string{
		"-hide_banner", "-nostdin", "-n",
		"-loglevel", "error",
		"-i", sourcePath,
		"-vn",
		"-map_metadata", "0",
	}
	args = append(args, codecArgs(destPath, bitrate)...)
	args = append(args, metadataArgs(meta)...)
	return append(args, destPath)
}

func mergeArgs(listPath, metaPath, destPath string, meta Metadata) []string {
	args := []string{
		"-hide_banner", "-nostdin", "-n",
		"-loglevel", "error",
		"-f", "concat", "-safe", "0",
		"-i", listPath,
		"-i", metaPath,
		"-map_metadata", "1",
		"-map_chapters", "1",
		"-vn",
	}
	args = append(args, codecArgs(destPath, "")...)
	args = append(args, metadataArgs(meta)...)
	return append(args, destPath)
}

// codecArgs picks the audio codec from the destination extension.
func codecArgs(destPath, bitrate string) []string {
	var args []string
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(destPath), ".")) {
	case "m4b", "m4a":
		args = []string{"-c:a", "aac", "-movflags", "+faststart", "-f", "mp4"}
	case "mp3":
		args = []string{"-c:a", "libmp3lame"}
	case "opus":
		args = []string{"-c:a", "libopus"}
	default:
		args = []string{"-c:a", "aac"}
	}
	if bitrate = strings.TrimSpace(bitrate); bitrate != "" {
		args = append(args, "-b:a", bitrate)
	}
	return args
}

func metadataArgs(meta Metadata) []string {
	var args []string
	add := func(key, value string) {
		if value = strings.TrimSpace(value); value != "" {
			args = append(args, "-metadata", key+"="+value)
		}
	}
	add("title", meta.Title)
	add("artist", meta.Author)
	add("album", meta.Album)
	add("composer", meta.Narrator)
	for key, value := range meta.Extra {
		add(key, value)
	}
	return args
}

// concatList renders the ffmpeg concat-demuxer input list.
func concatList(chapters []ChapterInput) []byte {
	var buf bytes.Buffer
	for _, ch := range chapters {
		buf.WriteString("file '")
		buf.WriteString(strings.ReplaceAll(ch.Path, "'", `'\''`))
		buf.WriteString("'\n")
	}
	return buf.Bytes()
}

// ffmetadata renders an FFMETADATA1 file with one CHAPTER block per input,
// millisecond timebase.
func ffmetadata(chapters []ChapterInput, meta Metadata) []byte {
	var buf bytes.Buffer
	buf.WriteString(";FFMETADATA1\n")
	write := func(key, value string) {
		if value = strings.TrimSpace(value); value != "" {
			buf.WriteString(key)
			buf.WriteByte('=')
			buf.WriteString(escapeMetaValue(value))
			buf.WriteByte('\n')
		}
	}
	write("title", meta.Title)
	write("artist", meta.Author)
	write("album", meta.Album)
	write("composer", meta.Narrator)

	var offset time.Duration
	for i, ch := range chapters {
		start := offset.Milliseconds()
		offset += ch.Duration
		end := offset.Milliseconds()

		title := strings.TrimSpace(ch.Title)
		if title == "" {
			title = fmt.Sprintf("Chapter %d", i+1)
		}

		buf.WriteString("[CHAPTER]\nTIMEBASE=1/1000\n")
		fmt.Fprintf(&buf, "START=%d\nEND=%d\n", start, end)
		buf.WriteString("title=" + escapeMetaValue(title) + "\n")
	}
	return buf.Bytes()
}

// escapeMetaValue escapes the characters the ffmetadata format reserves.
func escapeMetaValue(value string) string {
	replacer := strings.NewReplacer(
		`\`, `\\`,
		`=`, `\=`,
		`;`, `\;`,
		`#`, `\#`,
		"\n", `\`+"\n",
	)
	return replacer.Replace(value)
}

// tailBuffer keeps the last chunk of writes for error reporting.
type tailBuffer struct {
	buf bytes.Buffer
}

const tailLimit = 2048

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf.Write(p)
	if t.buf.Len() > tailLimit {
		data := t.buf.Bytes()
		trimmed := make([]byte, tailLimit)
		copy(trimmed, data[len(data)-tailLimit:])
		t.buf.Reset()
		t.buf.Write(trimmed)
	}
	return len(p), nil
}

func (t *tailBuffer) Tail() string {
	return strings.TrimSpace(t.buf.String())
}
