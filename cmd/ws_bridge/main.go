// Command ws_bridge exposes the wopr-acp protocol engine over a WebSocket.
// Every connection gets its own engine instance, so concurrent editors
// never share handshake or session state.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/wopr-dev/wopr-acp/acp"
	"github.com/wopr-dev/wopr-acp/bridge"
	"github.com/wopr-dev/wopr-acp/config"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %+v\n", err)
		os.Exit(1)
	}

	http.HandleFunc("/ws", handleWS(cfg))

	fmt.Println("WebSocket server running on ws://localhost:8080/ws")
	log.Fatal(http.ListenAndServe(":8080", nil))
}

func handleWS(cfg *config.Config) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("Upgrade error:", err)
			return
		}
		defer conn.Close()

		connID := uuid.NewString()
		log.Printf("[%s] connected from %s", connID, r.RemoteAddr)

		// Frames written by the engine go out as one text message per line;
		// incoming messages are fed to the engine as newline-terminated
		// chunks through a pipe.
		pr, pw := io.Pipe()
		server := acp.NewServer(bridge.NewMock(), pr, &wsWriter{conn: conn}, acp.Options{
			DefaultSession: cfg.DefaultSession,
			Hidden:         cfg.Context.Hidden,
			Trace:          func(msg string) { log.Printf("[%s] %s", connID, msg) },
		})
		if err := server.Start(context.Background()); err != nil {
			log.Printf("[%s] engine start error: %v", connID, err)
			return
		}
		defer server.Close()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				log.Printf("[%s] WS read error: %v", connID, err)
				pw.Close()
				return
			}
			if _, err := pw.Write(append(msg, '\n')); err != nil {
				log.Printf("[%s] pipe write error: %v", connID, err)
				return
			}
		}
	}
}

// wsWriter adapts a WebSocket connection to the engine's output stream.
// The engine serializes writes, so no extra locking is needed here.
type wsWriter struct {
	conn *websocket.Conn
}

func (w *wsWriter) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
