// chatcli is a minimal terminal client: it logs in, prints every server
// event and sends direct messages typed as "<userId> <text>".
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"messmini/internal/auth"
	"messmini/internal/models"

	"github.com/gorilla/websocket"
)

func main() {
	addr := flag.String("addr", "localhost:8080", "API server address")
	username := flag.String("user", "", "Username")
	password := flag.String("password", os.Getenv("MESSMINI_PASSWORD"), "Password (defaults to $MESSMINI_PASSWORD)")
	flag.Parse()

	if *username == "" {
		fmt.Println("Usage: chatcli -user <name> [-addr host:port] [-password secret]")
		os.Exit(1)
	}

	token, err := login(*addr, *username, *password)
	if err != nil {
		fmt.Printf("Login failed: %v\n", err)
		os.Exit(1)
	}

	header := http.Header{}
	header.Set("token", token)
	u := url.URL{Scheme: "ws", Host: *addr, Path: "/api/chat"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		fmt.Printf("Connect failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = conn.Close() }()

	go func() {
		for {
			var msg models.ServerMessage
			if err := conn.ReadJSON(&msg); err != nil {
				fmt.Printf("Disconnected: %v\n", err)
				os.Exit(0)
			}
			printEvent(msg)
		}
	}()

	if err := conn.WriteJSON(models.ClientMessage{Type: models.ClientMessageTypeJoin}); err != nil {
		fmt.Printf("Join failed: %v\n", err)
		os.Exit(1)
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		receiver, text, ok := strings.Cut(strings.TrimSpace(scanner.Text()), " ")
		if !ok {
			fmt.Println("Type: <userId> <message>")
			continue
		}
		err := conn.WriteJSON(models.ClientMessage{
			Type:       models.ClientMessageTypeDirect,
			ReceiverID: receiver,
			Content:    text,
		})
		if err != nil {
			fmt.Printf("Send failed: %v\n", err)
			os.Exit(1)
		}
	}
}

func login(addr, username, password string) (string, error) {
	body, err := json.Marshal(auth.LoginRequest{Username: username, Password: password})
	if err != nil {
		return "", err
	}
	resp, err := http.Post(fmt.Sprintf("http://%s/api/login", addr), "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	var out auth.LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if !out.Success {
		return "", fmt.Errorf("%s", out.Message)
	}
	return out.Token, nil
}

func printEvent(msg models.ServerMessage) {
	switch msg.Type {
	case models.ServerMessageTypeDirect:
		fmt.Printf("[%s -> %s] %s\n", msg.Message.SenderID, msg.Message.ReceiverID, msg.Message.Content)
	case models.ServerMessageTypeRoom:
		fmt.Printf("[#%s %s] %s\n", msg.RoomID, msg.RoomMessage.SenderID, msg.RoomMessage.Content)
	case models.ServerMessageTypePresence:
		state := "offline"
		if msg.Online {
			state = "online"
		}
		fmt.Printf("* %s is %s\n", msg.UserID, state)
	case models.ServerMessageTypePresenceSnapshot:
		names := make([]string, 0, len(msg.Users))
		for _, u := range msg.Users {
			names = append(names, fmt.Sprintf("%s (%s)", u.DisplayName, u.ID))
		}
		fmt.Printf("* online: %s\n", strings.Join(names, ", "))
	case models.ServerMessageTypeError:
		fmt.Printf("! %s\n", msg.Error)
	}
}
