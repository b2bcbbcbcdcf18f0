package hub

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"

	"github.com/nalid/nalid24/internal/rtdb"
)

func TestSessionCloseDuringDelivery(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	tree := rtdb.NewHub()
	registry := NewRegistry(tree)
	writer := tree.Session()
	defer writer.Close()

	// dropping a session while its subscriptions are still delivering must
	// never panic the hub
	for i := 0; i < 50; i++ {
		session := registry.Create("u-a")
		_, err := session.subscribe("child_added", "chats/c1/messages")
		assert.Nil(err)

		done := make(chan struct{})
		go func(round int) {
			defer close(done)
			for j := 0; j < 10; j++ {
				path := fmt.Sprintf("chats/c1/messages/m%d-%d", round, j)
				assert.Nil(writer.Set(ctx, path, map[string]any{"n": j}))
			}
		}(i)

		registry.Close(session.id)
		<-done
	}
}

func TestStreamEndsWhenSessionCloses(t *testing.T) {
	assert := assert.New(t)
	client, _ := newTestServer(t)

	var created map[string]string
	client.decode(client.do(http.MethodPost, "/v1/sessions", nil), &created)
	sessionID := created["sessionId"]

	req, err := http.NewRequest(http.MethodGet, client.base+"/v1/sessions/"+sessionID+"/stream", nil)
	assert.Nil(err)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+client.token)

	streamResp, err := client.http.Do(req)
	assert.Nil(err)
	defer streamResp.Body.Close()
	assert.Equal(http.StatusOK, streamResp.StatusCode)

	ended := make(chan struct{})
	go func() {
		defer close(ended)
		io.Copy(io.Discard, streamResp.Body)
	}()

	resp := client.do(http.MethodDelete, "/v1/sessions/"+sessionID, nil)
	resp.Body.Close()
	assert.Equal(http.StatusNoContent, resp.StatusCode)

	select {
	case <-ended:
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not end after the session closed")
	}
}
