package scram

import "testing"

func TestClientServerFullExchangeSucceeds(t *testing.T) {
	client, err := NewClient("monitor", "hunter2")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	server, err := NewServer("monitor", "hunter2")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	clientFirst := client.FirstMessage()

	serverFirst, err := server.HandleClientFirst(clientFirst)
	if err != nil {
		t.Fatalf("HandleClientFirst: %v", err)
	}

	if err := client.SetServerFirst(serverFirst); err != nil {
		t.Fatalf("SetServerFirst: %v", err)
	}

	clientFinal := client.FinalMessage()

	serverFinal, err := server.HandleClientFinal(clientFinal)
	if err != nil {
		t.Fatalf("HandleClientFinal: %v", err)
	}

	if err := client.Verify(serverFinal); err != nil {
		t.Fatalf("client Verify: %v", err)
	}
}

func TestServerRejectsWrongPassword(t *testing.T) {
	client, _ := NewClient("monitor", "wrong-password")
	server, _ := NewServer("monitor", "hunter2")

	serverFirst, err := server.HandleClientFirst(client.FirstMessage())
	if err != nil {
		t.Fatalf("HandleClientFirst: %v", err)
	}
	if err := client.SetServerFirst(serverFirst); err != nil {
		t.Fatalf("SetServerFirst: %v", err)
	}

	if _, err := server.HandleClientFinal(client.FinalMessage()); err != ErrClientProofMismatch {
		t.Fatalf("HandleClientFinal error = %v, want ErrClientProofMismatch", err)
	}
}

func TestClientDetectsTamperedServerSignature(t *testing.T) {
	client, _ := NewClient("monitor", "hunter2")
	server, _ := NewServer("monitor", "hunter2")

	serverFirst, _ := server.HandleClientFirst(client.FirstMessage())
	client.SetServerFirst(serverFirst)
	clientFinal := client.FinalMessage()
	serverFinal, err := server.HandleClientFinal(clientFinal)
	if err != nil {
		t.Fatalf("HandleClientFinal: %v", err)
	}

	tampered := serverFinal[:len(serverFinal)-1] + "X"
	if err := client.Verify(tampered); err == nil {
		t.Error("expected Verify to reject a tampered server signature")
	}
}

func TestSetServerFirstRejectsNonExtendingNonce(t *testing.T) {
	client, _ := NewClient("monitor", "hunter2")
	client.FirstMessage()

	err := client.SetServerFirst("r=totally-different-nonce,s=c2FsdA==,i=4096")
	if err == nil {
		t.Error("expected an error when the server nonce does not extend the client nonce")
	}
}

func TestHandleClientFirstRejectsUnknownGS2Header(t *testing.T) {
	server, _ := NewServer("monitor", "hunter2")
	if _, err := server.HandleClientFirst("y,,n=monitor,r=abc"); err == nil {
		t.Error("expected an error for an unsupported GS2 header")
	}
}
