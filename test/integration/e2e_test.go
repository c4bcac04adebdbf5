package integration

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Blockwise/client"
	"Blockwise/internal/coap"
)

func TestMain(m *testing.M) {
	code := m.Run()

	for _, path := range binaries {
		os.RemoveAll(filepath.Dir(path))
	}

	os.Exit(code)
}

// randomBody returns n random bytes.
func randomBody(t *testing.T, n int) []byte {
	t.Helper()

	body := make([]byte, n)
	_, err := rand.Read(body)
	require.NoError(t, err)

	return body
}

// upload sends body over the given transport and checks the stored copy.
func upload(t *testing.T, d *Daemon, tr client.Transport, blockSize int, path string, body []byte) *client.Result {
	t.Helper()

	sender, err := client.NewSender(tr, blockSize)
	require.NoError(t, err)
	defer sender.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := sender.Put(ctx, path, body)
	require.NoError(t, err)

	got, err := client.FetchDelivery(ctx, d.HTTPAddr(), path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(body, got), "delivered body differs for %s", path)

	return res
}

func TestE2E_AllTransports(t *testing.T) {
	d := StartDaemon(t, 21000)

	t.Run("coap", func(t *testing.T) {
		tr, err := client.DialCoAP(d.CoAPAddr(), coap.ClientConfig{})
		require.NoError(t, err)

		res := upload(t, d, tr, 256, "coap/firmware.bin", randomBody(t, 10_000))
		assert.Equal(t, 40, res.Blocks)
	})

	t.Run("quic", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		tr, err := client.DialQUIC(ctx, d.QUICAddr())
		require.NoError(t, err)

		res := upload(t, d, tr, 1024, "quic/log.txt", bytes.Repeat([]byte("line of log\n"), 2000))
		assert.Equal(t, 24, res.Blocks)
	})

	t.Run("http", func(t *testing.T) {
		res := upload(t, d, client.NewHTTPTransport(d.HTTPAddr()), 64, "http/small", []byte("hello over the gateway"))
		assert.Equal(t, 1, res.Blocks)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	recs, err := client.ListDeliveries(ctx, d.HTTPAddr())
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

func TestE2E_ConcurrentSenders(t *testing.T) {
	d := StartDaemon(t, 21010)

	const senders = 16

	var wg sync.WaitGroup
	errs := make(chan error, senders)
	bodies := make([][]byte, senders)

	for i := range bodies {
		bodies[i] = randomBody(t, 3000+i*100)
	}

	for i := 0; i < senders; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			tr, err := client.DialCoAP(d.CoAPAddr(), coap.ClientConfig{})
			if err != nil {
				errs <- err
				return
			}

			sender, _ := client.NewSender(tr, 128)
			defer sender.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if _, err := sender.Put(ctx, fmt.Sprintf("sensor/%d", i), bodies[i]); err != nil {
				errs <- fmt.Errorf("sender %d: %w", i, err)
			}
		}(i)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i, want := range bodies {
		got, err := client.FetchDelivery(ctx, d.HTTPAddr(), fmt.Sprintf("sensor/%d", i))
		require.NoError(t, err)
		assert.True(t, bytes.Equal(want, got), "sensor %d body differs", i)
	}
}

func TestE2E_RetransmissionReplayed(t *testing.T) {
	d := StartDaemon(t, 21020)

	conn, err := net.Dial("udp", d.CoAPAddr())
	require.NoError(t, err)
	defer conn.Close()

	req := &coap.Message{
		Type:      coap.Confirmable,
		Code:      coap.PUT,
		MessageID: 0x4242,
		Token:     []byte{9, 9},
		Payload:   []byte("ab"),
	}
	req.SetPath("dup")
	req.SetOption(coap.ETag, []byte{1, 2, 3, 4})
	req.SetOption(coap.Block1, []byte{0x08})

	data, err := req.Marshal()
	require.NoError(t, err)

	var replies [][]byte

	for i := 0; i < 2; i++ {
		_, err := conn.Write(data)
		require.NoError(t, err)

		conn.SetReadDeadline(time.Now().Add(3 * time.Second))

		buf := make([]byte, 1500)
		n, err := conn.Read(buf)
		require.NoError(t, err)

		replies = append(replies, buf[:n])
	}

	assert.Equal(t, replies[0], replies[1])

	resp, err := coap.Parse(replies[0])
	require.NoError(t, err)
	assert.Equal(t, coap.Acknowledgement, resp.Type)
	assert.Equal(t, coap.Continue, resp.Code)
	assert.Equal(t, uint16(0x4242), resp.MessageID)

	status := fetchStatus(t, d)
	assert.Equal(t, uint64(1), status.Engine.Blocks)
	assert.Equal(t, uint64(1), status.CoAP.Replayed)
	assert.Equal(t, 1, status.Store.InProgress)
	assert.Equal(t, int64(2), status.Store.Bytes)
}

func TestE2E_TooLarge(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "blockd.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("store:\n  max_body_size: 1000\n"), 0o600))

	d := StartDaemon(t, 21030, "--config", cfgPath)

	tr, err := client.DialCoAP(d.CoAPAddr(), coap.ClientConfig{})
	require.NoError(t, err)

	sender, _ := client.NewSender(tr, 256)
	defer sender.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err = sender.Put(ctx, "big", randomBody(t, 2000))

	var se *client.StatusError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, coap.RequestEntityTooLarge, se.Code)
	assert.Equal(t, uint32(3), se.Block)

	// The dropped transfer leaves nothing behind
	status := fetchStatus(t, d)
	assert.Equal(t, 0, status.Store.InProgress)
	assert.Equal(t, uint64(1), status.Engine.TooLarge)
}

func TestE2E_BlockputCLI(t *testing.T) {
	d := StartDaemon(t, 21040)

	file := filepath.Join(t.TempDir(), "payload.bin")
	body := randomBody(t, 5000)
	require.NoError(t, os.WriteFile(file, body, 0o600))

	for _, transport := range []string{"coap", "quic", "http"} {
		t.Run(transport, func(t *testing.T) {
			path := "cli/" + transport
			addr := map[string]string{"coap": d.CoAPAddr(), "quic": d.QUICAddr(), "http": d.HTTPAddr()}[transport]

			cmd := exec.Command(buildBinary(t, "./cmd/blockput"),
				"--addr", addr,
				"--transport", transport,
				"--path", path,
				"--block-size", "512",
				"--file", file,
			)

			out, err := cmd.CombinedOutput()
			require.NoError(t, err, string(out))
			assert.Contains(t, string(out), "upload complete")

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			got, err := client.FetchDelivery(ctx, d.HTTPAddr(), path)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(body, got))
		})
	}
}

// daemonStatus mirrors the /status response.
type daemonStatus struct {
	Engine struct {
		Blocks   uint64 `json:"blocks"`
		TooLarge uint64 `json:"tooLarge"`
	} `json:"engine"`
	Store struct {
		InProgress int   `json:"inProgress"`
		Bytes      int64 `json:"bytes"`
	} `json:"store"`
	CoAP struct {
		Replayed uint64 `json:"replayed"`
	} `json:"coap"`
}

// fetchStatus reads GET /status.
func fetchStatus(t *testing.T, d *Daemon) daemonStatus {
	t.Helper()

	resp, err := http.Get("http://" + d.HTTPAddr() + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status daemonStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))

	return status
}
