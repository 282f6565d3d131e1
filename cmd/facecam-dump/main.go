package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"facecam-go/internal/output"
	"facecam-go/internal/sio"
)

func main() {
	var (
		path      = flag.String("path", "", "Path to a session raw log .bin file")
		limit     = flag.Int("limit", 0, "Number of records to dump (0 = all)")
		namespace = flag.String("namespace", "", "Only show frames for this namespace")
	)
	flag.Parse()

	if *path == "" {
		log.Fatal("path is required")
	}

	f, err := os.Open(*path)
	if err != nil {
		log.Fatalf("open rawlog: %v", err)
	}
	defer f.Close()

	r, header, err := output.NewRawLogReader(f)
	if err != nil {
		log.Fatalf("read rawlog: %v", err)
	}
	log.Printf("session=%s backend=%s started=%s", header.Session, header.Backend, time.Unix(0, header.Started).Format(time.RFC3339))

	count := 0
	for {
		if *limit > 0 && count >= *limit {
			return
		}
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			log.Fatalf("read record: %v", err)
		}
		entry, err := rec.Entry()
		if err != nil {
			log.Printf("record %d: CBOR decode error: %v", count, err)
			count++
			continue
		}
		line, ns := describe([]byte(entry.Frame))
		if *namespace != "" && ns != *namespace {
			continue
		}
		fmt.Printf("%s %-3s %s\n", rec.Time.Format("15:04:05.000000"), entry.Dir, line)
		count++
	}
}

// describe renders one socket frame and returns its namespace, if any.
func describe(frame []byte) (string, string) {
	kind, body, err := sio.DecodeEngine(frame)
	if err != nil {
		return fmt.Sprintf("invalid %q", string(frame)), ""
	}
	switch kind {
	case sio.EngineOpen:
		return "open " + string(body), ""
	case sio.EngineClose:
		return "close", ""
	case sio.EnginePing:
		return "ping", ""
	case sio.EnginePong:
		return "pong", ""
	case sio.EngineMessage:
	default:
		return fmt.Sprintf("engine %c", kind), ""
	}
	p, err := sio.Decode(body)
	if err != nil {
		return fmt.Sprintf("message %v", err), ""
	}
	id := ""
	if p.HasID {
		id = fmt.Sprintf(" id=%d", p.ID)
	}
	if p.Type != sio.Event {
		return fmt.Sprintf("%s %s%s %s", p.Type, p.Namespace, id, string(p.Data)), p.Namespace
	}
	name, args, err := p.EventArgs()
	if err != nil {
		return fmt.Sprintf("%s %s%s %v", p.Type, p.Namespace, id, err), p.Namespace
	}
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		parts = append(parts, string(arg))
	}
	return fmt.Sprintf("%s %s%s %s %s", p.Type, p.Namespace, id, name, strings.Join(parts, " ")), p.Namespace
}
