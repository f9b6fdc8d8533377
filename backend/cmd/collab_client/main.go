package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/sanity-io/litter"

	"plotLines/backend/config"
	"plotLines/backend/internal/document"
	"plotLines/backend/internal/syncclient"
)

// printNotifier 把重连进度打印到终端
type printNotifier struct{}

func (printNotifier) Reconnecting(attempt, max int) {
	fmt.Printf("[reconnecting %d/%d]\n", attempt, max)
}

func (printNotifier) Reconnected() { fmt.Println("[reconnected]") }

func (printNotifier) ReconnectFailed(err error) {
	fmt.Printf("[offline: %v] edits stay local until restart\n", err)
}

func main() {
	configDir := flag.String("config", "", "directory containing collabConfig.yaml")
	docID := flag.String("doc", "", "document id to open")
	newTitle := flag.String("new", "", "create a document with this title and open it")
	flag.Parse()

	var paths []string
	if *configDir != "" {
		paths = append(paths, *configDir)
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	cc := cfg.Client

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if *newTitle != "" {
		id, err := syncclient.CreateDocument(ctx, cc.ServerURL, cc.Token, *newTitle)
		if err != nil {
			log.Fatalf("create document: %v", err)
		}
		fmt.Printf("created document %s\n", id)
		*docID = id
	}
	if *docID == "" {
		log.Fatalf("-doc or -new is required")
	}

	conn := syncclient.New(syncclient.Options{
		ServerURL:  cc.ServerURL,
		DocumentID: *docID,
		Token:      cc.Token,
		UserID:     cc.UserID,
		UserName:   cc.UserName,
		Tick:       cc.Tick,
		Notifier:   printNotifier{},
		OnChange: func(ch syncclient.Change) {
			if !ch.Local && ch.Result.Applied > 0 {
				fmt.Printf("[remote] %d step(s), now at version %d\n", ch.Result.Applied, ch.Version)
			}
		},
	})
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = conn.Connect(connectCtx)
	cancel()
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	litter.Config.HidePrivateFields = false
	fmt.Println(helpText)

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		fmt.Print("> ")
		select {
		case <-ctx.Done():
			fmt.Println()
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := run(ctx, conn, line); quit {
				return
			}
		}
	}
}

// run 执行一行命令，返回 true 表示退出
func run(ctx context.Context, conn *syncclient.Connection, line string) bool {
	cmd, err := parseEdit(line)
	if err != nil {
		fmt.Println(err)
		return false
	}
	if cmd != nil {
		if err := conn.Apply(cmd); err != nil {
			fmt.Printf("rejected: %v\n", err)
		}
		return false
	}

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	switch fields[0] {
	case "quit", "exit":
		return true
	case "help":
		fmt.Println(helpText)
	case "undo", "redo":
		var ok bool
		if fields[0] == "undo" {
			ok, err = conn.Undo()
		} else {
			ok, err = conn.Redo()
		}
		switch {
		case err != nil:
			fmt.Printf("%s failed: %v\n", fields[0], err)
		case !ok:
			fmt.Printf("nothing to %s\n", fields[0])
		}
	case "cursor":
		if len(fields) != 3 {
			fmt.Println("usage: cursor <line> <ch>")
			return false
		}
		l, err1 := strconv.Atoi(fields[1])
		ch, err2 := strconv.Atoi(fields[2])
		if err1 != nil || err2 != nil {
			fmt.Println("usage: cursor <line> <ch>")
			return false
		}
		if err := conn.SetCursor(document.Pos{Line: l, Ch: ch}); err != nil {
			fmt.Println(err)
		}
	case "show":
		d, err := conn.Document()
		if err != nil {
			fmt.Println(err)
			return false
		}
		fmt.Print(render(d))
	case "dump":
		d, err := conn.Document()
		if err != nil {
			fmt.Println(err)
			return false
		}
		litter.Dump(d.Lines())
	case "who":
		members, err := conn.Members()
		if err != nil {
			fmt.Println(err)
			return false
		}
		for _, m := range members {
			fmt.Printf("%d %s %s\n", m.UserID, m.Username, string(m.Cursor))
		}
	case "version":
		v, _ := conn.Version()
		n, _ := conn.Pending()
		fmt.Printf("version %d, %d unconfirmed, client %s\n", v, n, conn.ClientID())
		if err := conn.Err(); err != nil {
			fmt.Printf("offline: %v\n", err)
		}
	case "save":
		sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		sv, err := conn.Save(sctx)
		if err != nil {
			fmt.Printf("save failed: %v\n", err)
			return false
		}
		fmt.Printf("saved snapshot %d\n", sv)
	default:
		fmt.Printf("unknown command %q, try help\n", fields[0])
	}
	return false
}
