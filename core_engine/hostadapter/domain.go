package hostadapter

import (
	"bufio"
	"io"
	"log"
	"sync"

	"example.com/v-architect/core_engine"
	"example.com/v-architect/pvshim/host"
)

// Domain adapts a running guest to the host.Domain contract: the
// console hooks (HVCRxGet/HVCTxPut) back the PV console hypercall
// (spec §4.7) with a dedicated byte stream rather than the legacy
// 16550A UART core_engine.VirtualMachine already emulates for BIOS-era
// guests — hvc0 and COM1 are different devices on a real Xen guest,
// and this shim targets the former.
type Domain struct {
	domID  uint32
	isInit bool
	sod    host.SODInfo
	debug  bool

	txWriter io.Writer

	mu     sync.Mutex
	closed bool
	rxChan chan byte
}

// NewDomain constructs a Domain for the guest running on vm. txWriter
// receives HVCTxPut's bytes (typically os.Stdout); rxReader, if
// non-nil, is drained in the background to feed HVCRxGet (typically
// os.Stdin). sodTSC/sodWCSec/sodWCNsec are the start-of-day wall-clock
// snapshot (spec §4.4) the caller captured at boot. vm.Debug governs
// whether Close logs that the console was closed.
func NewDomain(vm *core_engine.VirtualMachine, domID uint32, isInit bool, txWriter io.Writer, rxReader io.Reader, sodTSC uint64, sodWCSec, sodWCNsec uint32) *Domain {
	d := &Domain{
		domID:    domID,
		isInit:   isInit,
		sod:      host.SODInfo{TSC: sodTSC, WCSec: sodWCSec, WCNsec: sodWCNsec},
		debug:    vm.Debug,
		txWriter: txWriter,
		rxChan:   make(chan byte, consoleRxBuffer),
	}
	if rxReader != nil {
		go d.pumpRx(rxReader)
	}
	return d
}

const consoleRxBuffer = 4096

func (d *Domain) pumpRx(r io.Reader) {
	br := bufio.NewReader(r)
	for {
		b, err := br.ReadByte()
		if err != nil {
			return
		}

		d.mu.Lock()
		closed := d.closed
		d.mu.Unlock()
		if closed {
			return
		}
		d.rxChan <- b
	}
}

// Close stops feeding further console input to HVCRxGet. The
// background rx pump checks the flag only after each read returns, so
// it exits on the first byte or read error that arrives after Close; a
// read already blocked on the reader (typically os.Stdin) stays blocked
// until then.
func (d *Domain) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	if d.debug {
		log.Printf("hostadapter: domain %d console closed", d.domID)
	}
}

func (d *Domain) InitDom() bool       { return d.isInit }
func (d *Domain) ID() uint32          { return d.domID }
func (d *Domain) SODInfo() host.SODInfo { return d.sod }

// HVCTxPut writes buf to the console's output stream.
func (d *Domain) HVCTxPut(buf []byte) (int, error) {
	return d.txWriter.Write(buf)
}

// HVCRxGet drains whatever console input is already buffered, without
// blocking: a guest polling console_io expects ENOSYS-free zero-length
// reads when nothing is waiting, not a stall.
func (d *Domain) HVCRxGet(buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		select {
		case b := <-d.rxChan:
			buf[n] = b
			n++
		default:
			return n, nil
		}
	}
	return n, nil
}
