// Command relay_inspect polls a running relay's debug endpoint and
// renders its telemetry and rooms as terminal tables. Point it at the
// DEBUG_ADDR the server was started with.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gookit/color"
	"github.com/olekukonko/tablewriter"

	"lanmeet/observability"
	"lanmeet/runtime"
)

func main() {
	addr := flag.String("addr", "localhost:7632", "debug endpoint address (DEBUG_ADDR of the relay)")
	watch := flag.Duration("watch", 0, "refresh interval, 0 prints once and exits")
	colours := flag.Bool("colours", true, "colorized headers")
	flag.Parse()

	client := &http.Client{Timeout: 5 * time.Second}
	base := "http://" + *addr

	for {
		if err := render(client, base, *colours); err != nil {
			log.Fatal("Error while querying relay: ", err)
		}
		if *watch <= 0 {
			return
		}
		time.Sleep(*watch)
	}
}

func render(client *http.Client, base string, colours bool) error {
	var stats observability.RelayStats
	if err := fetch(client, base+"/stats", &stats); err != nil {
		return err
	}
	var rooms []runtime.RoomSnapshot
	if err := fetch(client, base+"/rooms", &rooms); err != nil {
		return err
	}

	header := fmt.Sprintf("  ====== relay @ %s ======", time.Now().Format("15:04:05"))
	if colours {
		header = color.New(color.BgBlack, color.FgGreen).Render(header)
	}
	fmt.Println(header)

	overview := tablewriter.NewWriter(os.Stdout)
	overview.SetHeader([]string{"Metric", "Value"})
	plainTable(overview)
	overview.Append([]string{"participants", strconv.Itoa(stats.Participants)})
	overview.Append([]string{"rooms", strconv.Itoa(stats.Rooms)})
	overview.Append([]string{"active transfers", strconv.Itoa(stats.ActiveTransfers)})
	overview.Append([]string{"media in", fmt.Sprintf("%.2f MB/s (%d pkts, %d dropped)",
		stats.MediaInRate, stats.PacketsIn, stats.PacketsDropped)})
	overview.Append([]string{"media out", fmt.Sprintf("%.2f MB/s (%d pkts)",
		stats.MediaOutRate, stats.PacketsRelayed)})
	overview.Append([]string{"frames", fmt.Sprintf("%d in / %d relayed / %d dropped",
		stats.FramesIn, stats.FramesRelayed, stats.FramesDropped)})
	overview.Append([]string{"liveness", fmt.Sprintf("%d stale streams, %d evictions",
		stats.StaleStreams, stats.Evictions)})
	overview.Append([]string{"process", fmt.Sprintf("%.1f%% cpu, %d MB heap, %d MB rss, %d gc",
		stats.CPUPercent, stats.AllocMemMb, stats.RSSBytes/1024/1024, stats.NumGC)})
	overview.Render()

	if len(rooms) > 0 {
		fmt.Println()
		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Room", "Meeting", "Created", "Members"})
		plainTable(table)
		for _, room := range rooms {
			members := ""
			for i, m := range room.Members {
				if i > 0 {
					members += ", "
				}
				members += fmt.Sprintf("%s(%d)", m.Name, m.ID)
			}
			table.Append([]string{
				strconv.FormatUint(uint64(room.ID), 10),
				room.Name,
				room.CreatedAt.Format("15:04:05"),
				members,
			})
		}
		table.Render()
	}

	if len(stats.RecentTransfers) > 0 {
		fmt.Println()
		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Time", "Transfer", "File", "Mime", "Status"})
		plainTable(table)
		for _, tr := range stats.RecentTransfers {
			// First uuid segment is plenty to identify a transfer.
			displayID := tr.ID
			if len(displayID) > 8 {
				displayID = displayID[:8]
			}
			table.Append([]string{tr.Timestamp, displayID, tr.Name, tr.Mime, tr.Status})
		}
		table.Render()
	}

	fmt.Println()
	return nil
}

func plainTable(table *tablewriter.Table) {
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
}

func fetch(client *http.Client, url string, into any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s answered %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(into)
}
