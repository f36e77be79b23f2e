package auth

import (
	"bytes"
	"testing"
)

func TestVerify(t *testing.T) {
	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt: %v", err)
	}
	hash := HashPassword("hunter2", salt)

	if !Verify("hunter2", salt, hash) {
		t.Fatal("correct password rejected")
	}
	if Verify("hunter3", salt, hash) {
		t.Fatal("wrong password accepted")
	}
	if Verify("", salt, hash) {
		t.Fatal("empty password accepted")
	}
}

func TestSaltChangesHash(t *testing.T) {
	s1, _ := NewSalt()
	s2, _ := NewSalt()
	if bytes.Equal(s1, s2) {
		t.Fatal("two salts identical")
	}
	if bytes.Equal(HashPassword("pw", s1), HashPassword("pw", s2)) {
		t.Fatal("same hash under different salts")
	}
}
