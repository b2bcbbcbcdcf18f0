// Command messenger is a minimal terminal client: onboard an identity, swap
// invites, and chat through a hub. One installation per data directory.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/labstack/gommon/log"

	"github.com/nalid/nalid24/internal/boot"
	"github.com/nalid/nalid24/internal/hub"
	"github.com/nalid/nalid24/internal/localstore"
	"github.com/nalid/nalid24/internal/model"
	"github.com/nalid/nalid24/internal/rtdb"
	"github.com/nalid/nalid24/internal/service/contact"
	"github.com/nalid/nalid24/internal/service/identity"
	"github.com/nalid/nalid24/internal/service/message"
	"github.com/nalid/nalid24/internal/service/presence"
)

func usage() {
	fmt.Fprintln(os.Stderr, `usage: messenger <command> [args]

  init <username> <pin>   create the local identity
  invite                  print the QR invite payload and scan code
  scan <payload>          add a contact from a scanned invite
  contacts                list contacts
  send <peerId> <text>    send a message
  history <peerId>        print the conversation
  chat <peerId>           live conversation until interrupted
  logout <pin>            wipe chats, contacts and the local identity`)
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	config, err := boot.Load()
	if err != nil {
		log.Fatalf("boot: %+v", err)
	}

	store, err := localstore.Open(filepath.Join(config.DataDirectory, "messenger.db"))
	if err != nil {
		log.Fatalf("opening local store: %+v", err)
	}
	defer store.Close()

	app := &app{config: config, store: store, ids: identity.New(store)}

	switch os.Args[1] {
	case "init":
		if len(os.Args) != 4 {
			usage()
		}
		app.initIdentity(os.Args[2], os.Args[3])
	case "invite":
		app.printInvite()
	case "scan":
		if len(os.Args) != 3 {
			usage()
		}
		app.scan(os.Args[2])
	case "contacts":
		app.listContacts()
	case "send":
		if len(os.Args) != 4 {
			usage()
		}
		app.send(model.UserID(os.Args[2]), os.Args[3])
	case "history":
		if len(os.Args) != 3 {
			usage()
		}
		app.history(model.UserID(os.Args[2]))
	case "chat":
		if len(os.Args) != 3 {
			usage()
		}
		app.chat(model.UserID(os.Args[2]))
	case "logout":
		if len(os.Args) != 3 {
			usage()
		}
		app.logout(os.Args[2])
	default:
		usage()
	}
}

type app struct {
	config *boot.Config
	store  *localstore.Store
	ids    *identity.Service
}

func (a *app) user() *model.User {
	user, err := a.ids.Load()
	if err != nil {
		log.Fatalf("no identity: run 'messenger init' first (%v)", err)
	}
	return user
}

// connect dials the hub with a token minted from the shared hub secret.
func (a *app) connect(userID model.UserID) *rtdb.Remote {
	if a.config.Hub.Secret == "" {
		log.Fatalf("HUB_SECRET is required to reach the hub")
	}
	token, err := hub.IssueToken(a.config.Hub.Secret, string(userID))
	if err != nil {
		log.Fatalf("issuing token: %+v", err)
	}
	remote, err := rtdb.Dial(context.Background(), a.config.Hub.BaseURL, token)
	if err != nil {
		log.Fatalf("dialling hub %s: %+v", a.config.Hub.BaseURL, err)
	}
	return remote
}

func (a *app) initIdentity(username, pin string) {
	if _, err := a.ids.Load(); err == nil {
		log.Fatalf("an identity already exists here")
	}
	user, err := a.ids.Create(username, pin)
	if err != nil {
		log.Fatalf("creating identity: %+v", err)
	}
	fmt.Printf("created identity %s (%s)\n", user.Username, user.ID)
}

func (a *app) printInvite() {
	invite, err := a.ids.Invite()
	if err != nil {
		log.Fatalf("building invite: %+v", err)
	}
	payload, err := invite.Encode()
	if err != nil {
		log.Fatalf("encoding invite: %+v", err)
	}
	code, err := a.ids.ScanCode()
	if err != nil {
		log.Fatalf("deriving scan code: %+v", err)
	}
	fmt.Printf("invite payload: %s\nscan code:      %s\n", payload, code)
}

func (a *app) scan(payload string) {
	user := a.user()
	remote := a.connect(user.ID)
	defer remote.Close()

	profile, err := a.ids.Profile()
	if err != nil {
		log.Fatalf("loading profile: %+v", err)
	}

	contacts := contact.New(remote, a.store)
	added, err := contacts.ScanInvite(context.Background(), profile, payload)
	if err != nil {
		log.Fatalf("scanning invite: %+v", err)
	}
	fmt.Printf("added %s (%s)\n", added.Username, added.ID)
}

func (a *app) listContacts() {
	contacts, err := a.store.ListContacts()
	if err != nil {
		log.Fatalf("listing contacts: %+v", err)
	}
	for _, c := range contacts {
		fmt.Printf("%s\t%s\tadded %s\n", c.ID, c.Username, c.AddedAt.Format(time.RFC3339))
	}
}

func (a *app) send(peerID model.UserID, text string) {
	user := a.user()
	remote := a.connect(user.ID)
	defer remote.Close()

	engine := message.New(remote, a.store, a.config)
	sent, err := engine.Send(context.Background(), user.ID, peerID, text)
	if err != nil {
		log.Fatalf("sending: %+v", err)
	}
	fmt.Printf("sent %s\n", sent.ID)
}

func (a *app) history(peerID model.UserID) {
	user := a.user()
	remote := a.connect(user.ID)
	defer remote.Close()

	engine := message.New(remote, a.store, a.config)
	messages, err := engine.History(context.Background(), user.ID, peerID)
	if err != nil {
		log.Fatalf("fetching history: %+v", err)
	}
	for _, m := range messages {
		printMessage(user.ID, &m)
	}
}

// chat runs a live session: messages stream in, presence is maintained, and
// pending contact requests are consumed, until interrupted.
func (a *app) chat(peerID model.UserID) {
	user := a.user()
	remote := a.connect(user.ID)
	defer remote.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := message.New(remote, a.store, a.config)
	contacts := contact.New(remote, a.store)
	tracker := presence.New(remote)

	if err := tracker.Track(ctx, user.ID); err != nil {
		log.Warnf("tracking presence: %v", err)
	}

	unsubRequests, err := contacts.Listen(ctx, user.ID)
	if err != nil {
		log.Fatalf("listening for contact requests: %+v", err)
	}
	defer unsubRequests()

	unsubMessages, err := engine.Subscribe(ctx, user.ID, peerID, func(m *model.Message) {
		printMessage(user.ID, m)
	})
	if err != nil {
		log.Fatalf("subscribing: %+v", err)
	}
	defer unsubMessages()

	unsubPresence, err := tracker.Watch(peerID, func(p model.Presence) {
		fmt.Printf("* peer is %s\n", p.Status)
	})
	if err != nil {
		log.Fatalf("watching presence: %+v", err)
	}
	defer unsubPresence()

	go engine.RunJanitor(ctx)

	// read lines from stdin and send them
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			text := scanner.Text()
			if text == "" {
				continue
			}
			if _, err := engine.Send(ctx, user.ID, peerID, text); err != nil {
				log.Errorf("sending: %v", err)
			}
		}
	}()

	if err := engine.MarkAllRead(ctx, user.ID, peerID); err != nil {
		log.Warnf("marking read: %v", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit

	if err := tracker.SetOffline(ctx); err != nil {
		log.Warnf("going offline: %v", err)
	}
	tracker.Stop()
}

func (a *app) logout(pin string) {
	user := a.user()
	if err := a.ids.VerifyPIN(pin); err != nil {
		log.Fatalf("verifying PIN: %+v", err)
	}

	remote := a.connect(user.ID)
	defer remote.Close()

	ctx := context.Background()
	engine := message.New(remote, a.store, a.config)
	if err := engine.ClearAll(ctx); err != nil {
		log.Warnf("clearing chats: %v", err)
	}
	if err := a.store.ClearContacts(); err != nil {
		log.Warnf("clearing contacts: %v", err)
	}
	if err := remote.Remove(ctx, "presence/"+string(user.ID)); err != nil {
		log.Warnf("clearing presence: %v", err)
	}
	if err := a.ids.Clear(); err != nil {
		log.Fatalf("clearing identity: %+v", err)
	}
	fmt.Println("logged out")
}

func printMessage(selfID model.UserID, m *model.Message) {
	who := "them"
	if m.SenderID == selfID {
		who = "you"
	}
	body := m.Content
	if m.Undecryptable {
		body = "<message could not be decrypted>"
	}
	fmt.Printf("[%s] %s: %s (%s)\n", m.CreatedAt.Format("15:04:05"), who, body, m.Status)
}
