// Command syncpad-client is a line-oriented terminal client: it keeps a full
// local CRDT replica, publishes local edits and applies remote ones.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"syncpad/client"
	"syncpad/crdt"
	"syncpad/logging"
	"syncpad/protocol"
)

func main() {
	addr := flag.String("addr", "", "server address host:port (empty: discover via mDNS)")
	flag.Parse()

	log := logging.New()
	defer log.Sync()

	serverAddr := *addr
	if serverAddr == "" {
		var err error
		serverAddr, err = discover(log)
		if err != nil {
			log.Fatalw("no server found", "err", err)
		}
	}

	userID := client.NewRandomIdentity().CurrentUserID()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	conn, err := client.Dial(ctx, "ws://"+serverAddr+"/ws", userID, log)
	cancel()
	if err != nil {
		log.Fatalw("connect failed", "err", err)
	}
	defer conn.Close()
	log.Infow("connected", "server", serverAddr, "user", userID)

	// One mutex serializes every engine call: local commands and remote
	// operations never interleave mid-mutation.
	var (
		docMu sync.Mutex
		doc   = crdt.New(userID)
	)

	conn.OnShareCodes(func(editorCode, viewerCode string) {
		fmt.Printf("session codes: editor=%s viewer=%s\n", editorCode, viewerCode)
	})
	conn.OnPresence(func(users []string) {
		fmt.Printf("present: %s\n", strings.Join(users, ", "))
	})
	conn.OnError(func(err error) {
		fmt.Printf("error: %v\n", err)
	})
	conn.OnOperation(func(msg protocol.Message) {
		docMu.Lock()
		defer docMu.Unlock()
		switch m := msg.(type) {
		case protocol.Insert:
			doc.RemoteInsert(m.Character)
		case protocol.Delete:
			doc.RemoteDelete(m.Position)
		case protocol.DocumentSync:
			doc.Reset(m.Content)
			conn.ConfirmSync(doc.Len())
		case protocol.SyncConfirmReq:
			conn.ConfirmSync(doc.Len())
		case protocol.CursorMove:
			if m.Position == protocol.CursorGone {
				fmt.Printf("%s left the document\n", m.UserID)
			} else {
				fmt.Printf("%s cursor at %d\n", m.UserID, m.Position)
			}
		case protocol.CursorRemove:
			fmt.Printf("%s cursor removed\n", m.UserID)
		}
	})

	repl(conn, doc, &docMu, log)
}

func repl(conn *client.Conn, doc *crdt.Document, docMu *sync.Mutex, log *zap.SugaredLogger) {
	fmt.Println("commands: create | join CODE [viewer] | i INDEX TEXT | d INDEX | u | r | c INDEX | p | sync | q")
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "create":
			conn.CreateSession()
		case "join":
			if len(fields) < 2 {
				fmt.Println("usage: join CODE [viewer]")
				continue
			}
			asEditor := len(fields) < 3 || fields[2] != "viewer"
			conn.JoinSession(fields[1], asEditor)
		case "i":
			if len(fields) < 3 {
				fmt.Println("usage: i INDEX TEXT")
				continue
			}
			index, err := strconv.Atoi(fields[1])
			if err != nil {
				fmt.Println("bad index")
				continue
			}
			docMu.Lock()
			for _, r := range strings.Join(fields[2:], " ") {
				ch, err := doc.LocalInsert(index, r)
				if err != nil {
					fmt.Printf("insert: %v\n", err)
					break
				}
				conn.SendInsert(ch)
				index++
			}
			text := doc.Text()
			docMu.Unlock()
			conn.UpdateDocument(text)
		case "d":
			if len(fields) < 2 {
				fmt.Println("usage: d INDEX")
				continue
			}
			index, err := strconv.Atoi(fields[1])
			if err != nil {
				fmt.Println("bad index")
				continue
			}
			docMu.Lock()
			ch, err := doc.LocalDelete(index)
			text := doc.Text()
			docMu.Unlock()
			if err != nil {
				fmt.Printf("delete: %v\n", err)
				continue
			}
			conn.SendDelete(ch.Pos)
			conn.UpdateDocument(text)
		case "u":
			docMu.Lock()
			ok := doc.Undo()
			text := doc.Text()
			docMu.Unlock()
			if !ok {
				fmt.Println("nothing to undo")
				continue
			}
			// Peers have no notion of this replica's history; an undo
			// reaches them as an ordinary full-content push.
			conn.InstantUpdate(text, "undo")
		case "r":
			docMu.Lock()
			ok := doc.Redo()
			text := doc.Text()
			docMu.Unlock()
			if !ok {
				fmt.Println("nothing to redo")
				continue
			}
			conn.InstantUpdate(text, "redo")
		case "c":
			if len(fields) < 2 {
				fmt.Println("usage: c INDEX")
				continue
			}
			pos, err := strconv.Atoi(fields[1])
			if err != nil {
				fmt.Println("bad index")
				continue
			}
			conn.SendCursor(pos)
		case "p":
			docMu.Lock()
			text := doc.Text()
			docMu.Unlock()
			fmt.Printf("%q\n", text)
		case "sync":
			conn.RequestResync()
		case "q":
			return
		default:
			fmt.Println("unknown command")
		}
	}
	if err := sc.Err(); err != nil {
		log.Warnw("stdin read failed", "err", err)
	}
}

// discover browses the LAN for an advertised server and returns the first
// one found.
func discover(log *zap.SugaredLogger) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", err
	}
	entries := make(chan *zeroconf.ServiceEntry)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := resolver.Browse(ctx, "_syncpad._tcp", "local.", entries); err != nil {
		return "", err
	}
	for {
		select {
		case entry := <-entries:
			if entry == nil || len(entry.AddrIPv4) == 0 {
				continue
			}
			addr := fmt.Sprintf("%s:%d", entry.AddrIPv4[0], entry.Port)
			log.Infow("discovered server", "instance", entry.Instance, "addr", addr)
			return addr, nil
		case <-ctx.Done():
			return "", fmt.Errorf("mDNS browse timed out")
		}
	}
}
