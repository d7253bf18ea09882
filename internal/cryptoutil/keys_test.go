package cryptoutil

import (
	"bytes"
	"testing"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	priv, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	data := []byte("the quick brown fox")

	sig, err := Sign(priv, data)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !Verify(&priv.PublicKey, data, sig) {
		t.Fatalf("expected signature to verify")
	}
	if Verify(&priv.PublicKey, []byte("tampered"), sig) {
		t.Fatalf("expected signature over different data to fail")
	}
}

func TestVerifyNeverErrors(t *testing.T) {
	priv, _ := GenerateKey()
	if Verify(&priv.PublicKey, []byte("x"), []byte("not a signature")) {
		t.Fatalf("expected garbage signature to fail verification, not panic")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	priv, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	cases := [][]byte{
		{},
		[]byte("short"),
		bytes.Repeat([]byte("a"), plaintextChunkSize),
		bytes.Repeat([]byte("b"), plaintextChunkSize+1),
		bytes.Repeat([]byte("c"), plaintextChunkSize*3+17),
	}

	for _, data := range cases {
		ciphertext, err := Encrypt(&priv.PublicKey, data)
		if err != nil {
			t.Fatalf("Encrypt(%d bytes): %v", len(data), err)
		}
		if len(ciphertext)%ciphertextChunkSize != 0 {
			t.Fatalf("ciphertext length %d not a multiple of %d", len(ciphertext), ciphertextChunkSize)
		}

		plaintext, err := Decrypt(priv, ciphertext)
		if err != nil {
			t.Fatalf("Decrypt(%d bytes): %v", len(data), err)
		}
		if !bytes.Equal(plaintext, data) {
			t.Fatalf("round trip mismatch for %d byte input", len(data))
		}
	}
}

func TestDecryptRejectsMisalignedCiphertext(t *testing.T) {
	priv, _ := GenerateKey()
	if _, err := Decrypt(priv, make([]byte, 100)); err == nil {
		t.Fatalf("expected error for non-chunk-aligned ciphertext")
	}
}

func TestSerializeDeserializePrivate(t *testing.T) {
	priv, _ := GenerateKey()
	pem := SerializePrivate(priv)

	got, err := DeserializePrivate(pem)
	if err != nil {
		t.Fatalf("DeserializePrivate: %v", err)
	}
	if got.D.Cmp(priv.D) != 0 {
		t.Fatalf("deserialized private key does not match")
	}
}

func TestDeserializeAutoDetects(t *testing.T) {
	priv, _ := GenerateKey()

	gotPriv, gotPub, err := Deserialize(SerializePrivate(priv))
	if err != nil {
		t.Fatalf("Deserialize(private): %v", err)
	}
	if gotPriv == nil || gotPub != nil {
		t.Fatalf("expected only the private key to be populated")
	}

	gotPriv, gotPub, err = Deserialize(SerializePublic(&priv.PublicKey))
	if err != nil {
		t.Fatalf("Deserialize(public): %v", err)
	}
	if gotPub == nil || gotPriv != nil {
		t.Fatalf("expected only the public key to be populated")
	}
}

func TestDeserializeRejectsNonPEM(t *testing.T) {
	if _, _, err := Deserialize([]byte("not pem at all")); err != ErrNotPEM {
		t.Fatalf("expected ErrNotPEM, got %v", err)
	}
}
