// Command client is the headless meeting client: it joins a meeting
// over the reliable channel, chats, sends and receives files, and can
// generate synthetic media for relay drills. Capture and rendering are
// out of scope; this is the protocol side only.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gookit/color"
	"github.com/mama165/sdk-go/logs"
	"github.com/olekukonko/tablewriter"

	"lanmeet/domain"
	"lanmeet/projection"
	"lanmeet/storage"
)

// Exit codes for the client application.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	// The main function manages the OS exit code based on run()'s return.
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Client error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	// 1. Flags carry identity, environment variables carry addresses.
	meeting := flag.String("meeting", "", "meeting name to join (required)")
	name := flag.String("name", defaultName(), "display name")
	mediaRate := flag.Int("media", 0, "synthetic video frames per second, 0 disables")
	flag.Parse()

	config, err := LoadConfig()
	if err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	if *meeting == "" {
		flag.Usage()
		return exitConfig, fmt.Errorf("missing -meeting")
	}

	log := logs.GetLoggerFromString(config.LogLevel)
	out := printer{colours: config.Colours}

	// 2. Setup context to handle termination signals (Ctrl+C).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Prepare the landing directory for incoming files.
	store, err := storage.NewDownloadStore(log, config.DownloadDir)
	if err != nil {
		return exitConfig, err
	}
	defer store.AbortAll()

	// 4. Join the meeting over the reliable channel.
	view := projection.NewMeetingView()
	session, err := dialSession(log, out, config, view, store)
	if err != nil {
		return exitRuntime, fmt.Errorf("could not connect to relay at %s: %w", config.ServerAddr, err)
	}
	defer session.close()

	ack, err := session.join(*meeting, *name)
	if err != nil {
		return exitRuntime, fmt.Errorf("join refused: %w", err)
	}
	out.banner(fmt.Sprintf("  ====== %s as %s (participant %d, room %d) ======",
		*meeting, *name, ack.ParticipantID, ack.RoomID))
	out.system("%d peer(s) already here. Type /help for commands.", len(ack.Peers))

	// 5. Open the media side and tell the relay where we listen.
	media, err := dialMedia(log, config.MediaAddr, view, ack.ParticipantID, ack.RoomID, config.FrameBytes)
	if err != nil {
		return exitRuntime, fmt.Errorf("could not open media socket: %w", err)
	}
	go func() {
		<-ctx.Done()
		media.close()
	}()
	if err := media.announce(); err != nil {
		log.Warn("Failed to announce media endpoint", "error", err)
	}
	go media.receive(ctx)
	if *mediaRate > 0 {
		go media.generate(ctx, domain.StreamVideo, *mediaRate)
	}

	// 6. Session reader and keep-alive run for the whole visit.
	go session.readLoop(ctx)
	go session.keepAlive(ctx, config.PingInterval)

	// 7. Command loop until quit, eviction or signal.
	lines := readStdin()
	for {
		select {
		case <-ctx.Done():
			session.disconnect("signal")
			return exitOK, nil
		case <-session.done:
			if err := session.failure(); err != nil {
				return exitRuntime, err
			}
			return exitOK, nil
		case line, ok := <-lines:
			if !ok {
				session.disconnect("stdin closed")
				return exitOK, nil
			}
			quit, err := dispatch(ctx, session, view, out, line)
			if err != nil {
				out.alert("%v", err)
			}
			if quit {
				session.disconnect("bye")
				return exitOK, nil
			}
		}
	}
}

// dispatch executes one REPL line. Plain text is chat; commands start
// with a slash.
func dispatch(ctx context.Context, s *session, view *projection.MeetingView, out printer, line string) (bool, error) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return false, nil
	case line == "/quit":
		return true, nil
	case line == "/help":
		out.system("commands: /peers  /send <path> [participant-id]  /transfers  /quit")
		return false, nil
	case line == "/peers":
		renderPeers(view, out)
		return false, nil
	case line == "/transfers":
		s.renderTransfers(out)
		return false, nil
	case strings.HasPrefix(line, "/send"):
		return false, sendCommand(ctx, s, line)
	case strings.HasPrefix(line, "/"):
		return false, fmt.Errorf("unknown command %s", line)
	default:
		return false, s.sendChat(line)
	}
}

func sendCommand(ctx context.Context, s *session, line string) error {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return fmt.Errorf("usage: /send <path> [participant-id]")
	}

	var to domain.ParticipantID
	if len(fields) > 2 {
		id, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			return fmt.Errorf("bad participant id %q: %w", fields[2], err)
		}
		to = domain.ParticipantID(id)
	}
	return s.sendFile(ctx, fields[1], to)
}

func renderPeers(view *projection.MeetingView, out printer) {
	rows := view.Peers()
	if len(rows) == 0 {
		out.system("nobody else is here")
		return
	}

	now := time.Now()
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Name", "Chats", "Video", "Audio", "Screen"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")

	for _, row := range rows {
		name := row.Name
		if name == "" {
			name = "(unannounced)"
		}
		table.Append([]string{
			strconv.FormatUint(uint64(row.ID), 10),
			name,
			strconv.FormatUint(row.Chats, 10),
			streamCell(row.Streams[domain.StreamVideo.Index()], now),
			streamCell(row.Streams[domain.StreamAudio.Index()], now),
			streamCell(row.Streams[domain.StreamScreen.Index()], now),
		})
	}
	table.Render()
}

// streamCell summarizes one peer stream for the roster table.
func streamCell(s projection.StreamStats, now time.Time) string {
	if s.Frames == 0 {
		return "-"
	}
	state := "live"
	if !s.Fresh(now, 2*time.Second) {
		state = "idle"
	}
	return fmt.Sprintf("%s %df %dg", state, s.Frames, s.Gaps)
}

// readStdin feeds REPL lines through a channel so the command loop can
// also watch the session and the shutdown signal. The channel closes
// on EOF.
func readStdin() <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

func defaultName() string {
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "anonymous"
}

// printer writes user-facing lines, colorized unless disabled.
type printer struct {
	colours bool
}

func (p printer) banner(text string) {
	if p.colours {
		text = color.New(color.BgBlack, color.FgGreen).Render(text)
	}
	fmt.Println(text)
}

func (p printer) chat(at time.Time, name, text, lang string) {
	if lang != "" {
		name = fmt.Sprintf("%s [%s]", name, lang)
	}
	line := fmt.Sprintf("[%s] %s: %s", at.Format(time.TimeOnly), name, text)
	if p.colours {
		line = color.New(color.FgGreen).Render(line)
	}
	fmt.Println(line)
}

func (p printer) system(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if p.colours {
		line = color.New(color.FgGray).Render(line)
	}
	fmt.Println(line)
}

func (p printer) alert(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if p.colours {
		line = color.New(color.FgRed).Render(line)
	}
	fmt.Println(line)
}
