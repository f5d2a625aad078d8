package stream

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/flowrt/flowrt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// selfSignedCert generates a throwaway certificate valid for 127.0.0.1, for
// exercising the TLS handshake path without a real CA.
func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        cert,
	}
}

func TestTLSHandshakeAndApplicationDataRoundTrip(t *testing.T) {
	loop, err := flowrt.New()
	require.NoError(t, err)
	stop := runLoop(t, loop)
	defer stop()

	cert := selfSignedCert(t)
	serverCfg := &tls.Config{Certificates: []tls.Certificate{cert}}

	pool := x509.NewCertPool()
	pool.AddCert(cert.Leaf)
	clientCfg := &tls.Config{RootCAs: pool, ServerName: "127.0.0.1"}

	ln, err := Bind(loop, "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.ln.Addr().String()

	serverTLSCh := make(chan *TLSStream, 1)
	serverErrCh := make(chan error, 1)
	require.NoError(t, ln.Listen(128, func(conn *Stream) {
		AcceptTLS(conn, serverCfg, func(ts *TLSStream, err error) {
			if err != nil {
				serverErrCh <- err
				return
			}
			serverTLSCh <- ts
		})
	}))

	clientConnectCh := make(chan error, 1)
	client, err := ConnectTLS(loop, addr, clientCfg, func(e error) { clientConnectCh <- e })
	require.NoError(t, err)

	select {
	case e := <-clientConnectCh:
		require.NoError(t, e)
	case e := <-serverErrCh:
		t.Fatalf("server handshake failed: %v", e)
	case <-time.After(5 * time.Second):
		t.Fatal("client TLS handshake did not complete")
	}

	var server *TLSStream
	select {
	case server = <-serverTLSCh:
	case e := <-serverErrCh:
		t.Fatalf("server handshake failed: %v", e)
	case <-time.After(5 * time.Second):
		t.Fatal("server TLS handshake did not complete")
	}

	readCh := make(chan string, 1)
	require.NoError(t, server.ReadStart(
		func(n int) []byte { return make([]byte, n) },
		func(n int, buf []byte, err error) {
			if n > 0 {
				readCh <- string(buf[:n])
			}
		},
	))

	_, err = client.Write([]byte("secure hello"), nil)
	require.NoError(t, err)

	select {
	case got := <-readCh:
		assert.Equal(t, "secure hello", got)
	case <-time.After(5 * time.Second):
		t.Fatal("encrypted read did not fire")
	}

	client.Close(nil)
	server.Close(nil)
	ln.Close(nil)
}
