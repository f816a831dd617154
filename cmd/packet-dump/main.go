// packet-dump listens on an autohost UDP port and prints every engine
// datagram it receives, decoded. Point an engine's AutohostIP and
// AutohostPort at it to watch the protocol traffic of a live game.
package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/beyond-all-reason/recoil-autohost/internal/engine/packet"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <port>\n", os.Args[0])
		os.Exit(2)
	}
	port, err := strconv.Atoi(os.Args[1])
	if err != nil {
		log.Fatalf("invalid port %q: %v", os.Args[1], err)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	defer conn.Close()
	fmt.Printf("listening on %s\n", conn.LocalAddr())

	buf := make([]byte, 65536)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			log.Fatalf("read: %v", err)
		}
		stamp := time.Now().Format("15:04:05.000")
		ev, err := packet.Decode(buf[:n])
		if err != nil {
			fmt.Printf("%s %s %d bytes: %v\n", stamp, addr, n, err)
			continue
		}
		fmt.Printf("%s %s %s %+v\n", stamp, addr, ev.EventType(), ev)
	}
}
