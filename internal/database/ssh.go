package database

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SetupTunnel forwards a local port to the PostgreSQL server through the SSH
// host and returns a connection string pointing at it plus a cleanup func.
func SetupTunnel(config Config) (string, func(), error) {
	// Read private key
	key, err := os.ReadFile(config.SSHKey)
	if err != nil {
		return "", nil, fmt.Errorf("unable to read private key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return "", nil, fmt.Errorf("unable to parse private key: %w", err)
	}

	// Setup SSH client config
	hostKeyCallback, err := hostKeyCallback(config.SSHKnownHosts)
	if err != nil {
		return "", nil, err
	}

	sshConfig := &ssh.ClientConfig{
		User: config.SSHUser,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		HostKeyCallback: hostKeyCallback,
	}

	// Connect to SSH server
	sshPort := config.SSHPort
	if sshPort == 0 {
		sshPort = 22
	}
	sshClient, err := ssh.Dial("tcp", net.JoinHostPort(config.SSHHost, strconv.Itoa(sshPort)), sshConfig)
	if err != nil {
		return "", nil, fmt.Errorf("unable to connect to SSH server: %w", err)
	}

	// Setup local listener
	listener, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		sshClient.Close()
		return "", nil, fmt.Errorf("unable to setup local listener: %w", err)
	}

	localPort := listener.Addr().(*net.TCPAddr).Port

	// Remote end of the tunnel, as seen from the SSH host
	dbHost := config.Host
	if dbHost == "" {
		dbHost = "localhost"
	}
	dbPort := config.Port
	if dbPort == 0 {
		dbPort = 5432
	}
	remoteAddr := net.JoinHostPort(dbHost, strconv.Itoa(dbPort))

	// Start SSH tunnel
	go func() {
		for {
			localConn, err := listener.Accept()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					log.Printf("Error accepting tunnel connection: %v", err)
				}
				return
			}

			remoteConn, err := sshClient.Dial("tcp", remoteAddr)
			if err != nil {
				log.Printf("Error dialing %s through SSH: %v", remoteAddr, err)
				localConn.Close()
				continue
			}

			go copyConn(localConn, remoteConn)
			go copyConn(remoteConn, localConn)
		}
	}()

	// Build connection string using local port
	connStr := connString("localhost", localPort, config)

	cleanup := func() {
		listener.Close()
		sshClient.Close()
	}

	return connStr, cleanup, nil
}

// hostKeyCallback verifies against a known_hosts file when one is given.
func hostKeyCallback(knownHostsFile string) (ssh.HostKeyCallback, error) {
	if knownHostsFile == "" {
		log.Printf("Warning: SSH host key is not verified (set --known-hosts)")
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(knownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to load known hosts: %w", err)
	}
	return cb, nil
}

func copyConn(dst, src net.Conn) {
	defer dst.Close()
	defer src.Close()
	if _, err := io.Copy(dst, src); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Printf("Error copying tunnel connection: %v", err)
	}
}
