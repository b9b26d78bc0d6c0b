package comm_test

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/pumpprobe/tacq/comm"
)

// lineServer answers every \n terminated line with reply(line)+"\r\n"
func lineServer(t *testing.T, reply func(string) string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("could not listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				sc := bufio.NewScanner(c)
				for sc.Scan() {
					if resp := reply(sc.Text()); resp != "" {
						c.Write([]byte(resp + "\r\n"))
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestSendRecvStripsTerminators(t *testing.T) {
	addr := lineServer(t, func(s string) string { return "echo " + s })
	rd := comm.NewRemoteDevice(addr, false, &comm.Terminators{Rx: '\n', Tx: '\n'}, nil)
	defer rd.Close()
	resp, err := rd.OpenSendRecv([]byte("POS? 1"))
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) != "echo POS? 1" {
		t.Errorf("expected %q got %q", "echo POS? 1", string(resp))
	}
	// the connection is reused for the next exchange
	resp, err = rd.OpenSendRecv([]byte("ERR?"))
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) != "echo ERR?" {
		t.Errorf("expected %q got %q", "echo ERR?", string(resp))
	}
}

func TestSendWithoutOpenIsNotConnected(t *testing.T) {
	rd := comm.NewRemoteDevice("127.0.0.1:1", false, nil, nil)
	if err := rd.Send([]byte("x")); err != comm.ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if _, err := rd.Recv(); err != comm.ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestSerialWithoutConfFails(t *testing.T) {
	rd := comm.NewRemoteDevice("/dev/ttyS99", true, nil, nil)
	rd.Timeout = 50 * time.Millisecond
	if err := rd.Open(); err == nil {
		t.Error("expected an error opening a serial device with no config")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	rd := comm.NewRemoteDevice("127.0.0.1:1", false, nil, nil)
	if err := rd.Close(); err != nil {
		t.Errorf("closing a never-opened device returned %v", err)
	}
}
