// Package csdb reads AFS CellServDB files, the list of cells and their
// database server addresses used to seed the inventory.
package csdb

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"
)

// Host is one database server line of a cell entry.
type Host struct {
	Address string
	Name    string
}

// Cell is one ">cell #description" entry with its hosts.
type Cell struct {
	Name  string
	Desc  string
	Hosts []Host
}

var (
	cellLine = regexp.MustCompile(`^>(\S+)\s*(?:#(.*))?$`)
	hostLine = regexp.MustCompile(`^(\d+\.\d+\.\d+\.\d+)\s*(?:#(.*))?$`)
)

// Parse reads CellServDB text. Cells are returned in input order; a cell
// that appears twice keeps its first position and takes the later entry.
// Host lines before the first cell and unrecognised lines are ignored.
func Parse(r io.Reader) ([]Cell, error) {
	var (
		cells []Cell
		index = map[string]int{}
		cur   *Cell
	)
	flush := func() {
		if cur == nil {
			return
		}
		if i, ok := index[cur.Name]; ok {
			cells[i] = *cur
		} else {
			index[cur.Name] = len(cells)
			cells = append(cells, *cur)
		}
		cur = nil
	}

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), " \t\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if m := cellLine.FindStringSubmatch(line); m != nil {
			flush()
			cur = &Cell{Name: m[1], Desc: strings.TrimSpace(m[2])}
			continue
		}
		if m := hostLine.FindStringSubmatch(strings.TrimSpace(line)); m != nil && cur != nil {
			cur.Hosts = append(cur.Hosts, Host{Address: m[1], Name: strings.TrimSpace(m[2])})
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read CellServDB: %w", err)
	}
	flush()
	return cells, nil
}

// HTTPTimeout bounds a remote CellServDB download.
const HTTPTimeout = 30 * time.Second

// ReadSource loads the text of a CellServDB from a local path, a file://
// URL or an http(s):// URL.
func ReadSource(ctx context.Context, src string) ([]byte, error) {
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		return fetch(ctx, src)
	}
	path := strings.TrimPrefix(src, "file://")
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CellServDB %s: %w", src, err)
	}
	return b, nil
}

func fetch(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, HTTPTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch CellServDB %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch CellServDB %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
