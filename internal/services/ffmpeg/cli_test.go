package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewCLIWithOverrides(t *testing.T) {
	cli := NewCLI(WithFFmpeg("/opt/ffmpeg"), WithFFprobe("/opt/ffprobe"))
	if cli.ffmpeg != "/opt/ffmpeg" {
		t.Fatalf("ffmpeg = %q", cli.ffmpeg)
	}
	if cli.ffprobe != "/opt/ffprobe" {
		t.Fatalf("ffprobe = %q", cli.ffprobe)
	}
}

func TestConvertRequiresPaths(t *testing.T) {
	cli := NewCLI()
	if err := cli.Convert(context.Background(), "", "/out.m4b", Metadata{}, ConvertOptions{}); err == nil {
		t.Fatal("expected error for empty source")
	}
	if err := cli.Convert(context.Background(), "/in.mp3", "", Metadata{}, ConvertOptions{}); err == nil {
		t.Fatal("expected error for empty destination")
	}
}

func TestMergeRequiresChapters(t *testing.T) {
	cli := NewCLI()
	if err := cli.Merge(context.Background(), nil, "/out.m4b", Metadata{}, nil); err == nil {
		t.Fatal("expected error for empty chapter list")
	}
}

func TestProgressParser(t *testing.T) {
	p := newProgressParser(100 * time.Second)

	if _, ok := p.parseLine("bitrate=128.0kbits/s"); ok {
		t.Fatal("non-terminator lines should not emit updates")
	}
	if _, ok := p.parseLine("out_time_us=25000000"); ok {
		t.Fatal("out_time alone should not emit an update")
	}
	p.parseLine("speed=1.5x")

	update, ok := p.parseLine("progress=continue")
	if !ok {
		t.Fatal("progress terminator should emit an update")
	}
	if update.Fraction != 0.25 {
		t.Fatalf("Fraction = %v, want 0.25", update.Fraction)
	}
	if update.Speed != 1.5 {
		t.Fatalf("Speed = %v, want 1.5", update.Speed)
	}

	p.parseLine("out_time_us=999000000") // past the probed duration
	update, _ = p.parseLine("progress=continue")
	if update.Fraction != 1 {
		t.Fatalf("Fraction = %v, want clamp to 1", update.Fraction)
	}

	update, _ = p.parseLine("progress=end")
	if update.Fraction != 1 {
		t.Fatalf("Fraction = %v, want 1 at end", update.Fraction)
	}
}

func TestProgressParserUnknownDuration(t *testing.T) {
	p := newProgressParser(0)
	p.parseLine("out_time_us=5000000")
	update, ok := p.parseLine("progress=continue")
	if !ok {
		t.Fatal("expected update")
	}
	if update.Fraction >= 0 {
		t.Fatalf("Fraction = %v, want negative (unknown)", update.Fraction)
	}
}

func TestConvertArgsByExtension(t *testing.T) {
	args := convertArgs("/in.mp3", "/out.m4b", Metadata{Title: "A Book", Author: "Someone"}, "128k")
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"-i /in.mp3",
		"-c:a aac",
		"-b:a 128k",
		"-metadata title=A Book",
		"-metadata artist=Someone",
		"-n",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %v", want, args)
		}
	}
	if args[len(args)-1] != "/out.m4b" {
		t.Fatalf("destination must be last arg, got %q", args[len(args)-1])
	}

	opus := strings.Join(convertArgs("/in.mp3", "/out.opus", Metadata{}, ""), " ")
	if !strings.Contains(opus, "-c:a libopus") {
		t.Fatalf("opus args = %q", opus)
	}
	if strings.Contains(opus, "-b:a") {
		t.Fatal("empty bitrate must not produce -b:a")
	}
}

func TestConcatListEscapesQuotes(t *testing.T) {
	list := string(concatList([]ChapterInput{
		{Path: "/books/it's here.mp3"},
		{Path: "/books/two.mp3"},
	}))
	if !strings.Contains(list, `file '/books/it'\''s here.mp3'`) {
		t.Fatalf("quote not escaped: %q", list)
	}
	if !strings.HasSuffix(list, "file '/books/two.mp3'\n") {
		t.Fatalf("unexpected list tail: %q", list)
	}
}

func TestFFMetadataChapters(t *testing.T) {
	out := string(ffmetadata([]ChapterInput{
		{Title: "Intro", Duration: 90 * time.Second},
		{Title: "", Duration: 30 * time.Second},
	}, Metadata{Title: "Book; One"}))

	if !strings.HasPrefix(out, ";FFMETADATA1\n") {
		t.Fatalf("missing header: %q", out)
	}
	if !strings.Contains(out, `title=Book\; One`) {
		t.Fatalf("reserved char not escaped: %q", out)
	}
	if !strings.Contains(out, "START=0\nEND=90000\n") {
		t.Fatalf("first chapter bounds wrong: %q", out)
	}
	if !strings.Contains(out, "START=90000\nEND=120000\n") {
		t.Fatalf("second chapter bounds wrong: %q", out)
	}
	if !strings.Contains(out, "title=Chapter 2") {
		t.Fatalf("untitled chapter should get a numbered title: %q", out)
	}
}

func TestConvertStreamsProgress(t *testing.T) {
	original := commandContext
	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		mode := "probe"
		if filepath.Base(name) == "ffmpeg" || strings.Contains(strings.Join(args, " "), "-progress") {
			mode = "convert"
		}
		cmd := exec.CommandContext(ctx, os.Args[0], "-test.run=TestHelperProcess")
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "FFMPEG_HELPER_MODE="+mode)
		return cmd
	}
	t.Cleanup(func() { commandContext = original })

	var updates []ProgressUpdate
	cli := NewCLI()
	err := cli.Convert(context.Background(), "/in.mp3", "/out.m4b", Metadata{}, ConvertOptions{
		Progress: func(u ProgressUpdate) { updates = append(updates, u) },
	})
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if len(updates) < 2 {
		t.Fatalf("expected progress updates, got %d", len(updates))
	}
	if last := updates[len(updates)-1]; last.Fraction != 1 {
		t.Fatalf("final fraction = %v, want 1", last.Fraction)
	}
}

func TestConvertSurfacesStderrTail(t *testing.T) {
	original := commandContext
	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		cmd := exec.CommandContext(ctx, os.Args[0], "-test.run=TestHelperProcess")
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "FFMPEG_HELPER_MODE=fail")
		return cmd
	}
	t.Cleanup(func() { commandContext = original })

	cli := NewCLI()
	err := cli.Convert(context.Background(), "/in.mp3", "/out.m4b", Metadata{}, ConvertOptions{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "no such file") {
		t.Fatalf("error should carry stderr tail, got %v", err)
	}
}

// TestHelperProcess fakes ffmpeg/ffprobe for the tests above.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	switch os.Getenv("FFMPEG_HELPER_MODE") {
	case "probe":
		fmt.Println(`{"format":{"duration":"100.0","bit_rate":"128000"}}`)
	case "convert":
		fmt.Println("out_time_us=50000000")
		fmt.Println("speed=2.0x")
		fmt.Println("progress=continue")
		fmt.Println("out_time_us=100000000")
		fmt.Println("progress=end")
	case "fail":
		fmt.Fprintln(os.Stderr, "/in.mp3: no such file or directory")
		os.Exit(1)
	}
	os.Exit(0)
}
