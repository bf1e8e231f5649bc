package txsrv

import (
	"bytes"
	"crypto/md5"
	"crypto/rand"
	"fmt"

	"github.com/panoplyio/txsrv/protocol"
)

// authenticator interface defines objects able to perform user authentication
// that happens at the very beginning of every session.
type authenticator interface {
	authenticate(rw protocol.MessageReadWriter, args map[string]interface{}) error
}

// noPasswordAuthenticator responds with auth OK immediately.
type noPasswordAuthenticator struct{}

func (*noPasswordAuthenticator) authenticate(rw protocol.MessageReadWriter, args map[string]interface{}) error {
	return rw.Write(authOKMsg())
}

// passwordProvider describes objects that are able to provide a password given a user name.
type passwordProvider interface {
	getPassword(user string) ([]byte, error)
}

// constantPasswordProvider is a password provider that always returns the same password,
// which it is given during the initialization.
type constantPasswordProvider struct {
	password []byte
}

func (cpp *constantPasswordProvider) getPassword(user string) ([]byte, error) {
	return cpp.password, nil
}

// md5ConstantPasswordProvider is a password provider that returns md5 hash of a given
// username and a constant password as md5(concat(password, user)).
type md5ConstantPasswordProvider struct {
	password []byte
}

func (cpp *md5ConstantPasswordProvider) getPassword(user string) ([]byte, error) {
	pu := append(cpp.password, []byte(user)...)
	puHash := md5.Sum(pu)
	return puHash[:], nil
}

// clearTextAuthenticator requests and accepts a clear text password.
// It is not recommended to use it for security reasons.
type clearTextAuthenticator struct {
	pp passwordProvider
}

func (a *clearTextAuthenticator) authenticate(rw protocol.MessageReadWriter, args map[string]interface{}) error {
	// AuthenticationClearText
	passwordRequest := protocol.Message{
		'R',
		0, 0, 0, 8,
		0, 0, 0, 3,
	}

	err := rw.Write(passwordRequest)
	if err != nil {
		return err
	}

	m, err := rw.Read()
	if err != nil {
		return err
	}

	if m.Type() != 'p' {
		return fmt.Errorf("expected password response, got message type %c", m.Type())
	}

	user := args["user"].(string)
	expectedPassword, err := a.pp.getPassword(user)
	if err != nil {
		return err
	}
	actualPassword := extractPassword(m)

	if !bytes.Equal(expectedPassword, actualPassword) {
		return fmt.Errorf("password does not match for user %q", user)
	}

	return rw.Write(authOKMsg())
}

// md5Authenticator requests and accepts an MD5 hashed password from the client.
type md5Authenticator struct {
	pp passwordProvider
}

func (a *md5Authenticator) authenticate(rw protocol.MessageReadWriter, args map[string]interface{}) error {
	// AuthenticationMD5Password
	passwordRequest := protocol.Message{
		'R',
		0, 0, 0, 12,
		0, 0, 0, 5,
	}
	salt := getRandomSalt()
	passwordRequest = append(passwordRequest, salt...)

	err := rw.Write(passwordRequest)
	if err != nil {
		return err
	}

	m, err := rw.Read()
	if err != nil {
		return err
	}

	if m.Type() != 'p' {
		return fmt.Errorf("expected password response, got message type %c", m.Type())
	}

	user := args["user"].(string)
	storedHash, err := a.pp.getPassword(user)
	if err != nil {
		return err
	}
	expectedHash := hashWithSalt(storedHash, salt)

	actualHash := extractPassword(m)

	if !bytes.Equal(expectedHash, actualHash) {
		return fmt.Errorf("password does not match for user %q", user)
	}

	return rw.Write(authOKMsg())
}

// authOKMsg returns a message that indicates that the client is now authenticated.
func authOKMsg() protocol.Message {
	return protocol.Message{'R', 0, 0, 0, 8, 0, 0, 0, 0}
}

// getRandomSalt returns a cryptographically secure random slice of 4 bytes.
func getRandomSalt() []byte {
	salt := make([]byte, 4)
	_, _ = rand.Read(salt)
	return salt
}

// extractPassword extracts the password from a provided 'p' message.
// It assumes that the message is valid.
func extractPassword(m protocol.Message) []byte {
	// password starts after the size (4 bytes) and lasts until null-terminator
	return m[5 : len(m)-1]
}

// hashWithSalt salts the provided md5 hash and hashes the result using md5.
// The provided hash must be md5(concat(password, username))
func hashWithSalt(hash, salt []byte) []byte {
	// concat('md5', md5(concat(md5(concat(password, username)), random-salt)))
	// the inner part (md5(concat())) is provided as hash argument
	puHash := fmt.Sprintf("%x", hash)
	puHashSalted := append([]byte(puHash), salt...)
	finalHash := fmt.Sprintf("md5%x", md5.Sum(puHashSalted))
	return []byte(finalHash)
}
