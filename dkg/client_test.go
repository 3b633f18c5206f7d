package dkg_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/radiusxyz/secure-rpc/crypto/skde"
	"github.com/radiusxyz/secure-rpc/dkg"
	"github.com/radiusxyz/secure-rpc/dkg/dkgtest"
	"github.com/radiusxyz/secure-rpc/errclass"
	"github.com/radiusxyz/secure-rpc/rpcclient"
)

func dial(t *testing.T, svc *dkgtest.Service, attempts int) *dkg.Client {
	t.Helper()
	c, err := dkg.Dial(svc.URL(), rpcclient.WithRetryPolicy(rpcclient.RetryPolicy{
		MaxAttempts: attempts, Interval: time.Millisecond, Timeout: time.Second,
	}))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestClient_KeyLifecycle(t *testing.T) {
	svc := dkgtest.New(t)
	c := dial(t, svc, 1)
	ctx := context.Background()

	params, err := c.GetSkdeParams(ctx)
	if err != nil {
		t.Fatalf("GetSkdeParams: %v", err)
	}
	if params.N.Cmp(svc.Params().N) != 0 {
		t.Fatal("params modulus mismatch")
	}

	latest, err := c.GetLatestEncryptionKey(ctx)
	if err != nil {
		t.Fatalf("GetLatestEncryptionKey: %v", err)
	}
	pkStr, err := c.GetEncryptionKey(ctx, latest.KeyID)
	if err != nil || pkStr != latest.EncryptionKey {
		t.Fatalf("GetEncryptionKey = %q, %v", pkStr, err)
	}

	pk, err := skde.ParseKey(latest.EncryptionKey)
	if err != nil {
		t.Fatal(err)
	}
	ct, err := skde.Encrypt(nil, params, []byte("payload"), pk)
	if err != nil {
		t.Fatal(err)
	}
	skStr, err := c.GetDecryptionKey(ctx, latest.KeyID)
	if err != nil {
		t.Fatalf("GetDecryptionKey: %v", err)
	}
	sk, _ := skde.ParseKey(skStr)
	got, err := skde.Decrypt(params, ct, sk)
	if err != nil || string(got) != "payload" {
		t.Fatalf("Decrypt = %q, %v", got, err)
	}
}

func TestClient_UnknownKeyID(t *testing.T) {
	svc := dkgtest.New(t)
	c := dial(t, svc, 3)

	_, err := c.GetDecryptionKey(context.Background(), 999)
	if !errors.Is(err, dkg.ErrUnknownKeyID) {
		t.Fatalf("err = %v, want ErrUnknownKeyID", err)
	}
	if !errclass.Is(err, errclass.Downstream) {
		t.Fatalf("kind = %v, want downstream", errclass.KindOf(err))
	}
	if n := svc.Calls(dkg.MethodGetDecryptionKey); n != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on business error)", n)
	}

	pending := svc.Rotate(false)
	if _, err := c.GetDecryptionKey(context.Background(), pending); !errors.Is(err, dkg.ErrUnknownKeyID) {
		t.Fatalf("unreleased key: err = %v, want ErrUnknownKeyID", err)
	}
	svc.Release(pending)
	if _, err := c.GetDecryptionKey(context.Background(), pending); err != nil {
		t.Fatalf("released key: %v", err)
	}
}

func TestClient_RetriesTransportFailures(t *testing.T) {
	svc := dkgtest.New(t)
	c := dial(t, svc, 3)

	svc.FailNext(2)
	if _, err := c.GetLatestEncryptionKey(context.Background()); err != nil {
		t.Fatalf("GetLatestEncryptionKey after 2 failures: %v", err)
	}

	svc.FailNext(5)
	_, err := c.GetLatestEncryptionKey(context.Background())
	if !errclass.Is(err, errclass.Transport) {
		t.Fatalf("err = %v, want transport error", err)
	}
}
