// mindctl is a small operator console for a running mnemosyne daemon. It
// talks to the HTTP API: memory search, collection stats, graph inspection
// and manual reflection triggers.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
)

func main() {
	addr := flag.String("addr", "http://localhost:8080", "daemon base URL")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	var err error
	switch args[0] {
	case "stats":
		err = get(*addr, "/api/memory/stats")
	case "search":
		if len(args) < 3 {
			err = fmt.Errorf("usage: mindctl search <collection> <query> [k]")
			break
		}
		k := "5"
		if len(args) > 3 {
			if _, convErr := strconv.Atoi(args[3]); convErr != nil {
				err = fmt.Errorf("k must be an integer: %v", convErr)
				break
			}
			k = args[3]
		}
		err = get(*addr, "/api/memory/"+url.PathEscape(args[1])+"/search?q="+url.QueryEscape(args[2])+"&k="+k)
	case "graph":
		err = get(*addr, "/api/graph/summary")
	case "top":
		n := "10"
		if len(args) > 1 {
			n = args[1]
		}
		err = get(*addr, "/api/graph/top?n="+url.QueryEscape(n))
	case "reflect":
		err = post(*addr, "/api/reflection/trigger")
	case "state":
		err = get(*addr, "/api/reflection/state")
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "mindctl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `usage: mindctl [-addr URL] <command>

commands:
  stats                       record counts per collection
  search <collection> <q> [k] semantic search without touching access counts
  graph                       node and edge counts
  top [n]                     highest-importance concepts
  reflect                     trigger a reflection cycle
  state                       current reflection state
`)
}

func get(addr, path string) error {
	resp, err := http.Get(addr + path)
	if err != nil {
		return err
	}
	return render(resp)
}

func post(addr, path string) error {
	resp, err := http.Post(addr+path, "application/json", nil)
	if err != nil {
		return err
	}
	return render(resp)
}

func render(resp *http.Response) error {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s: %s", resp.Status, body)
	}
	var pretty json.RawMessage
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return nil
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
