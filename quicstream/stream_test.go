package quicstream

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testTLSServerConfig = generateTLSConfig()
	testQUICConfig       = &quic.Config{
		KeepAlivePeriod: 5 * time.Second,
		EnableDatagrams: true,
	}
	exchanges       = 40
	msgsPerExchange = 4
	testMsg         = "Ok message"
)

// TestStreamClose exercises a real QUIC client/server pair, wrapping every
// stream in a Stream that holds a Register cloned from one master handle.
// Once every exchange has closed its stream and the master handle is
// dropped, the master's Registry must report Idle.
func TestStreamClose(t *testing.T) {
	udpAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)
	udpConn, err := net.ListenUDP(udpAddr.Network(), udpAddr)
	require.NoError(t, err)
	defer udpConn.Close()

	master := NewRegister()
	registry := master.Registry()

	var serverReady sync.WaitGroup
	serverReady.Add(1)

	var done sync.WaitGroup
	done.Add(1)
	go func() {
		defer done.Done()
		quicServer(t, &serverReady, udpConn, master)
	}()

	done.Add(1)
	go func() {
		serverReady.Wait()
		defer done.Done()
		quicClient(t, udpConn.LocalAddr(), master)
	}()

	done.Wait()

	// Drop the master's own reference: only the clones handed to streams
	// kept the count above zero during the exchange.
	master.Drop()
	assert.True(t, registry.Idle())
	_, ok := registry.Promote()
	assert.False(t, ok)
}

func quicClient(t *testing.T, addr net.Addr, master *Register) {
	tlsConf := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{"tuic"},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn, err := quic.DialAddr(ctx, addr.String(), tlsConf, testQUICConfig)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < exchanges; i++ {
		quicStream, err := conn.AcceptStream(context.Background())
		require.NoError(t, err)
		wg.Add(1)

		go func(iter int) {
			defer wg.Done()

			log := zerolog.Nop()
			stream := NewStream(quicStream, 30*time.Second, &log, master.Clone())
			defer stream.Close()

			for msg := 0; msg < msgsPerExchange; msg++ {
				roundTripRead(t, stream, true)
			}
			if iter%2 == 0 {
				roundTripRead(t, stream, false)
			}
		}(i)
	}

	wg.Wait()
}

func quicServer(t *testing.T, ready *sync.WaitGroup, conn net.PacketConn, master *Register) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listener, err := quic.Listen(conn, testTLSServerConfig, testQUICConfig)
	require.NoError(t, err)

	ready.Done()
	session, err := listener.Accept(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < exchanges; i++ {
		quicStream, err := session.OpenStreamSync(context.Background())
		require.NoError(t, err)
		wg.Add(1)

		go func(iter int) {
			defer wg.Done()

			log := zerolog.Nop()
			stream := NewStream(quicStream, 30*time.Second, &log, master.Clone())
			defer stream.Close()

			for msg := 0; msg < msgsPerExchange; msg++ {
				roundTripWrite(t, stream, true)
			}
			if iter%2 == 1 {
				roundTripWrite(t, stream, false)
			}
		}(i)
	}

	wg.Wait()
}

func roundTripRead(t *testing.T, stream io.ReadWriteCloser, mustWork bool) {
	response := make([]byte, len(testMsg))
	_, err := stream.Read(response)
	if !mustWork {
		return
	}
	if err != io.EOF {
		require.NoError(t, err)
	}
	require.Equal(t, testMsg, string(response))
}

func roundTripWrite(t *testing.T, stream io.ReadWriteCloser, mustWork bool) {
	_, err := stream.Write([]byte(testMsg))
	if !mustWork {
		return
	}
	require.NoError(t, err)
}

func generateTLSConfig() *tls.Config {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		panic(err)
	}
	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		panic(err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		panic(err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{"tuic"},
	}
}
