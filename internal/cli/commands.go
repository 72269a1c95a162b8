// Package cli implements the interactive operator console of a GigNet
// server.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/gignet/internal/events"
	"github.com/energizer-project/gignet/internal/server"
)

// CLI reads commands line by line and prints tables.
type CLI struct {
	eventBus *events.EventBus
	game     *server.Server
	in       io.Reader
	out      io.Writer
}

// NewCLI creates a console reading from in and writing to out.
func NewCLI(eventBus *events.EventBus, game *server.Server, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		eventBus: eventBus,
		game:     game,
		in:       in,
		out:      out,
	}
}

// Start runs the command loop until ctx is cancelled, input ends or quit is
// entered.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nGigNet console ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			log.Warn().Err(err).Msg("CLI: input closed")
		}
	}()

	for {
		fmt.Fprint(c.out, "gignet> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			parts := strings.Fields(line)
			if len(parts) == 0 {
				continue
			}
			quit, err := c.Execute(ctx, strings.ToLower(parts[0]), parts[1:])
			if err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
			if quit {
				return
			}
		}
	}
}

// Execute runs one command. It reports true when the console should exit.
func (c *CLI) Execute(ctx context.Context, cmd string, args []string) (bool, error) {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "sessions":
		c.printSessions()
	case "rooms":
		c.printRooms()
	case "room":
		return false, c.printRoom(args)
	case "endroom":
		return false, c.cmdEndRoom(args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down GigNet...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
		return true, nil
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return false, nil
}

func (c *CLI) printHelp() {
	tw := c.table([]string{"Command", "Description"})
	tw.AppendBulk([][]string{
		{"status", "Show server counters"},
		{"sessions", "List connected and waiting players"},
		{"rooms", "List live rooms"},
		{"room <id>", "Show one room with its roster"},
		{"endroom <id>", "End a room and disconnect its players"},
		{"quit", "Shut the server down"},
		{"help", "Show this help message"},
	})
	tw.Render()
}

func (c *CLI) printStatus() {
	st := c.game.Stats()
	tw := c.table([]string{"Metric", "Value"})
	tw.AppendBulk([][]string{
		{"Session token", strconv.FormatInt(st.SessionToken, 10)},
		{"Uptime", st.Uptime},
		{"Sessions", fmt.Sprintf("%d (%d active)", st.Sessions, st.ActiveSessions)},
		{"Connections", strconv.Itoa(st.Connections)},
		{"Rooms", fmt.Sprintf("%d (%d filled)", st.Rooms.Rooms, st.Rooms.Filled)},
		{"Recently ended", strconv.Itoa(st.Rooms.RecentlyEnded)},
		{"Pooled frames", strconv.Itoa(st.PooledFrames)},
		{"RPC objects", strconv.Itoa(st.RPCObjects)},
		{"UDP endpoints", strconv.Itoa(st.UDPEndpoints)},
		{"Audio endpoints", strconv.Itoa(st.AudioEndpoints)},
	})
	tw.Render()
}

func (c *CLI) printSessions() {
	sessions := c.game.Sessions().Snapshot()
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })

	tw := c.table([]string{"Player", "Room", "State", "Silent", "Remote"})
	for _, s := range sessions {
		remote := s.Remote
		if remote == "" {
			remote = "-"
		}
		tw.Append([]string{
			strconv.FormatInt(s.ID, 10),
			roomLabel(s.Room),
			s.State.String(),
			s.Silence.Truncate(time.Millisecond).String(),
			remote,
		})
	}
	tw.Render()
}

func (c *CLI) printRooms() {
	rooms := c.game.Rooms().Snapshot()
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })

	tw := c.table([]string{"Room", "Seats", "Bots", "Filled", "Kind"})
	for _, r := range rooms {
		kind := "auto"
		switch {
		case r.Permanent:
			kind = "permanent"
		case r.Provisioned:
			kind = "provisioned"
		}
		tw.Append([]string{
			strconv.FormatInt(r.ID, 10),
			fmt.Sprintf("%d/%d", len(r.Seats), r.Capacity),
			strconv.Itoa(r.BotCount),
			strconv.FormatBool(r.Filled),
			kind,
		})
	}
	tw.Render()
}

func (c *CLI) printRoom(args []string) error {
	id, err := roomArg(args)
	if err != nil {
		return err
	}
	roster, ok := c.game.Rooms().Roster(id)
	if !ok {
		return fmt.Errorf("room %d not found", id)
	}
	info, _ := c.game.Rooms().Get(id)

	fmt.Fprintf(c.out, "Room %d: %d/%d seated, %d bots, filled=%v\n",
		id, len(info.Seats), info.Capacity, info.BotCount, info.Filled)
	tw := c.table([]string{"#", "Name", "Player"})
	for i, entry := range roster {
		player := "-"
		if i < len(info.Seats) {
			player = strconv.FormatInt(info.Seats[i], 10)
		}
		tw.Append([]string{strconv.Itoa(i), entry.Name, player})
	}
	tw.Render()
	return nil
}

func (c *CLI) cmdEndRoom(args []string) error {
	id, err := roomArg(args)
	if err != nil {
		return err
	}
	if err := c.game.EndRoom(id); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Room %d is ending\n", id)
	return nil
}

func (c *CLI) table(header []string) *tablewriter.Table {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}

func roomArg(args []string) (int64, error) {
	if len(args) < 1 {
		return 0, errors.New("room id required")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid room id: %s", args[0])
	}
	return id, nil
}

func roomLabel(id int64) string {
	if id < 0 {
		return "-"
	}
	return strconv.FormatInt(id, 10)
}
