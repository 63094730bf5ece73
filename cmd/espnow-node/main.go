// Command espnow-node is a demo host process that wires every component
// of the espnow core together over the UDP-backed radio.Link: transport,
// security, the OTA responder, and a Prometheus metrics endpoint.
//
// The flag-driven Config struct, the banner/structured-log startup
// sequence, and the signal.Notify-based graceful shutdown are grounded
// on _examples/ventosilenzioso-go-raknet/core/main.go, adapted from a
// game-server bring-up to a radio-node bring-up.
package main

import (
	"crypto/sha256"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/espressif/esp-now-sub000/pkg/addr"
	"github.com/espressif/esp-now-sub000/pkg/config"
	"github.com/espressif/esp-now-sub000/pkg/elog"
	"github.com/espressif/esp-now-sub000/pkg/handshake"
	"github.com/espressif/esp-now-sub000/pkg/metrics"
	"github.com/espressif/esp-now-sub000/pkg/nvs"
	"github.com/espressif/esp-now-sub000/pkg/ota"
	"github.com/espressif/esp-now-sub000/pkg/peertab"
	"github.com/espressif/esp-now-sub000/pkg/radio/udplink"
	"github.com/espressif/esp-now-sub000/pkg/security"
	"github.com/espressif/esp-now-sub000/pkg/transport"
	"github.com/espressif/esp-now-sub000/pkg/wire"
)

const version = "0.1.0"

// Config is the node's runtime configuration; Config.Mac is derived
// from a flag rather than read off real hardware since this binary runs
// over the UDP-backed link, not a Wi-Fi radio.
type Config struct {
	ListenAddr     string
	Mac            addr.Mac
	MetricsAddr    string
	NVSDir         string
	OTAReportEvery int
	ProvPoP        string
}

func loadConfig() Config {
	listenAddr := flag.String("listen", "127.0.0.1:7770", "UDP address this node's radio.Link binds")
	macHex := flag.String("mac", "aa:bb:cc:00:00:01", "this node's 6-byte MAC, colon-separated hex")
	metricsAddr := flag.String("metrics", "127.0.0.1:9110", "address to serve /metrics on")
	nvsDir := flag.String("nvs-dir", "./nvs-data", "directory for persisted OTA/key state")
	otaReportEvery := flag.Int("ota-report-percent", 5, "OTA progress report interval, in percent")
	pop := flag.String("pop", "change-me", "proof-of-possession secret for key provisioning")
	flag.Parse()

	mac, err := parseMac(*macHex)
	if err != nil {
		elog.Fatal("invalid -mac", "value", *macHex, "err", err)
	}

	return Config{
		ListenAddr:     *listenAddr,
		Mac:            mac,
		MetricsAddr:    *metricsAddr,
		NVSDir:         *nvsDir,
		OTAReportEvery: *otaReportEvery,
		ProvPoP:        *pop,
	}
}

func parseMac(s string) (addr.Mac, error) {
	var m addr.Mac
	n, err := fmt.Sscanf(s, "%02x:%02x:%02x:%02x:%02x:%02x",
		&m[0], &m[1], &m[2], &m[3], &m[4], &m[5])
	if err != nil || n != 6 {
		return m, fmt.Errorf("expected colon-separated hex like aa:bb:cc:00:00:01")
	}
	return m, nil
}

// fileImage is a trivial ImageReader/ImageWriter pair over a local file,
// standing in for the flash partition the original writes to.
type fileImage struct {
	path string
	data []byte
}

func (f *fileImage) ReadChunk(offset uint32, size int) ([]byte, error) {
	return f.data[offset : offset+uint32(size)], nil
}
func (f *fileImage) Size() uint32     { return uint32(len(f.data)) }
func (f *fileImage) SHA256() [32]byte { return sha256.Sum256(f.data) }

type fileWriter struct {
	path string
	buf  []byte
}

func (w *fileWriter) WriteAt(offset uint32, data []byte) error {
	if int(offset)+len(data) > len(w.buf) {
		grown := make([]byte, int(offset)+len(data))
		copy(grown, w.buf)
		w.buf = grown
	}
	copy(w.buf[offset:], data)
	return nil
}

func (w *fileWriter) Finalize() error {
	return os.WriteFile(w.path, w.buf, 0o644)
}

func main() {
	elog.Section("espnow-node - peer-to-peer wireless messaging core")
	cfg := loadConfig()

	elog.Info("starting node", "mac", cfg.Mac.String(), "listen", cfg.ListenAddr, "version", version)

	udpAddr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		elog.Fatal("invalid -listen address", "value", cfg.ListenAddr, "err", err)
	}
	dir := udplink.NewDirectory()
	dir.Register(cfg.Mac, udpAddr)
	link := udplink.New(cfg.Mac, udpAddr, dir)

	peers := peertab.New()
	tbl := config.NewTable()
	bus := config.NewBus()
	met := metrics.New()
	if err := prometheus.Register(met); err != nil {
		elog.Warn("metrics registration failed", "err", err)
	}

	core := transport.NewCore(cfg.Mac, link, peers, tbl, met, transport.DefaultConfig())
	if err := core.Init(); err != nil {
		elog.Fatal("transport init failed", "err", err)
	}

	store := nvs.NewFileStore(cfg.NVSDir)
	keyStore := security.NewKeyStore(store)
	// The application key is shared mesh-wide, so the session lives in
	// the broadcast slot and decrypts traffic from any peer.
	if key, ok, _ := keyStore.GetDecryptKey(); ok {
		sess, err := security.NewSession(key)
		if err != nil {
			elog.Warn("failed to build rx session from persisted key", "err", err)
		} else {
			core.SetRxSession(addr.Broadcast, sess)
		}
	}

	image := &fileImage{path: "firmware.bin"}
	if data, err := os.ReadFile(image.path); err == nil {
		image.data = data
	}
	writer := &fileWriter{path: "firmware-incoming.bin"}
	otaResponder := ota.NewResponder(store, writer, cfg.OTAReportEvery, config.NewOTAEventSink(bus))

	nodeDesc := ota.InfoPacket{
		SHA256:      ota.ShortSHA256(image.SHA256()),
		Version:     version,
		ProjectName: "espnow-node",
	}

	tbl.SetConfigForDataType(wire.TypeOTAStatus, true, func(src [6]byte, payload []byte, secure bool) {
		if len(payload) < 1 {
			return
		}
		switch ota.PacketTag(payload[0]) {
		case ota.TagRequest:
			reply := ota.EncodeInfo(nodeDesc)
			if err := core.Send(wire.TypeOTAStatus, addr.Mac(src), reply, wire.Head{RetransmitCount: 1}); err != nil {
				elog.Warn("ota info reply failed", "err", err)
			}
		case ota.TagStatus:
			st, err := ota.DecodeStatus(payload)
			if err != nil {
				elog.Warn("malformed ota status request", "src", addr.Mac(src).String(), "err", err)
				return
			}
			reply := otaResponder.HandleStatusRequest(st.SHA256, st.TotalSize, nodeDesc.SHA256)
			replyBuf := ota.EncodeStatus(reply)
			head := wire.Head{RetransmitCount: 1}
			if err := core.Send(wire.TypeOTAStatus, addr.Mac(src), replyBuf, head); err != nil {
				elog.Warn("ota status reply failed", "err", err)
			}
		default:
			// TagInfo replies are only meaningful to a node driving an
			// update; this responder ignores them.
		}
	})
	tbl.SetConfigForDataType(wire.TypeOTAData, true, func(src [6]byte, payload []byte, secure bool) {
		pkt, err := ota.DecodeData(payload)
		if err != nil {
			elog.Warn("malformed ota data chunk", "src", addr.Mac(src).String(), "err", err)
			return
		}
		if err := otaResponder.HandleData(pkt.Seq, pkt.Data[:pkt.Size]); err != nil {
			elog.Warn("ota data write failed", "seq", pkt.Seq, "err", err)
		}
	})

	peers.JoinGroup(addr.GroupOTA)

	// A responder holds exactly one client MAC at a time (§4.F), so the
	// in-flight session is a single mutex-guarded slot rather than a table.
	var secMu sync.Mutex
	var sec *handshake.ResponderSession
	answeredScan := make(map[addr.Mac]bool)

	tbl.SetConfigForDataType(wire.TypeSecurityStatus, true, func(src [6]byte, payload []byte, secure bool) {
		if len(payload) < 1 {
			return
		}
		from := addr.Mac(src)
		switch handshake.MsgKind(payload[0]) {
		case handshake.MsgRequest:
			_, clientMac, err := handshake.DecodeRequest(payload)
			if err != nil || clientMac.Equal(cfg.Mac) {
				return
			}
			secMu.Lock()
			already := answeredScan[from]
			answeredScan[from] = true
			var bound addr.Mac
			if sec != nil {
				bound = sec.ClientMac
			}
			secMu.Unlock()
			if already {
				return
			}
			if err := core.Send(wire.TypeSecurityStatus, from, handshake.EncodeInfo(bound), wire.Head{RetransmitCount: 1}); err != nil {
				elog.Warn("sec info reply failed", "err", err)
			}
		case handshake.MsgRest:
			secMu.Lock()
			sec = nil
			delete(answeredScan, from)
			secMu.Unlock()
			elog.Info("security session reset", "src", from.String())
		}
	})

	tbl.SetConfigForDataType(wire.TypeSecurity, true, func(src [6]byte, payload []byte, secure bool) {
		if len(payload) < 1 {
			return
		}
		from := addr.Mac(src)
		switch handshake.MsgKind(payload[0]) {
		case handshake.MsgCmd0:
			secMu.Lock()
			busy := sec != nil && sec.ClientMac != from
			secMu.Unlock()
			if busy {
				elog.Warn("cmd0 ignored, responder bound to another client", "src", from.String())
				return
			}
			clientPub, err := handshake.DecodeCmd0(payload)
			if err != nil {
				elog.Warn("malformed cmd0", "src", from.String(), "err", err)
				return
			}
			session, err := handshake.NewResponderSession(from, clientPub, []byte(cfg.ProvPoP))
			if err != nil {
				elog.Warn("failed to start responder session", "src", from.String(), "err", err)
				return
			}
			devicePub, deviceRandom, verifier, err := session.Resp0()
			if err != nil {
				elog.Warn("resp0 failed", "src", from.String(), "err", err)
				return
			}
			secMu.Lock()
			sec = session
			secMu.Unlock()
			reply := handshake.EncodeResp0(devicePub, deviceRandom, verifier)
			if err := core.Send(wire.TypeSecurity, from, reply, wire.Head{RetransmitCount: 1}); err != nil {
				elog.Warn("resp0 send failed", "err", err)
			}

		case handshake.MsgCmd1:
			secMu.Lock()
			session := sec
			secMu.Unlock()
			if session == nil || session.ClientMac != from {
				elog.Warn("cmd1 with no matching session", "src", from.String())
				return
			}
			checkC, err := handshake.DecodeCmd1(payload)
			if err != nil {
				elog.Warn("malformed cmd1", "src", from.String(), "err", err)
				return
			}
			checkD, err := session.HandleCmd1(checkC)
			if err != nil {
				met.IncHandshakeFailed()
				elog.Warn("cmd1 verifier mismatch", "src", from.String(), "err", err)
				secMu.Lock()
				sec = nil
				secMu.Unlock()
				return
			}
			reply := handshake.EncodeResp1(checkD)
			if err := core.Send(wire.TypeSecurity, from, reply, wire.Head{RetransmitCount: 1}); err != nil {
				elog.Warn("resp1 send failed", "err", err)
			}

		case handshake.MsgKey:
			secMu.Lock()
			session := sec
			secMu.Unlock()
			if session == nil || session.ClientMac != from {
				elog.Warn("key with no matching session", "src", from.String())
				return
			}
			encKey, err := handshake.DecodeKey(payload)
			if err != nil {
				elog.Warn("malformed key", "src", from.String(), "err", err)
				return
			}
			key, err := session.DecryptKey(encKey)
			if err != nil {
				met.IncHandshakeFailed()
				elog.Warn("key decrypt failed", "src", from.String(), "err", err)
				return
			}
			if err := keyStore.SetDecryptKey(key); err != nil {
				elog.Warn("persisting decrypt key failed", "err", err)
			}
			if rxSess, err := security.NewSession(key); err != nil {
				elog.Warn("failed to build rx session from delivered key", "err", err)
			} else {
				core.SetRxSession(addr.Broadcast, rxSess)
			}
			met.IncHandshakeOK()
			secMu.Lock()
			sec = nil
			secMu.Unlock()
			if err := core.Send(wire.TypeSecurity, from, handshake.EncodeKeyResp(), wire.Head{RetransmitCount: 1}); err != nil {
				elog.Warn("key_resp send failed", "err", err)
			}
		}
	})

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		elog.Info("metrics endpoint listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			elog.Warn("metrics server stopped", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	elog.Warn("received signal, shutting down", "signal", sig.String())
	if err := core.Deinit(); err != nil {
		elog.Error("transport deinit failed", "err", err)
	}
	time.Sleep(100 * time.Millisecond)
	elog.Success("node stopped")
}
