package unwind

import (
	"encoding/binary"
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru"

	"github.com/ShiznitsO/system-core/pkg/dwarf/frame"
	"github.com/ShiznitsO/system-core/pkg/logflags"
)

// Cache sizes follow the shape of the data: CIEs are few and shared, FDEs
// are one per function.
const (
	cieCacheSize = 256
	fdeCacheSize = 1024
)

// indexEntry records the PC range of one FDE together with the section
// offset it can be re-parsed from.
type indexEntry struct {
	begin, end uint64
	offset     uint64
}

// DwarfSection is the production Section implementation: a frame.Decoder
// plus a PC-sorted offset index and LRU caches for parsed entries. A
// DwarfSection is not safe for concurrent use; unwinding different threads
// concurrently requires one DwarfSection per goroutine over the same
// section bytes.
type DwarfSection struct {
	decoder  *frame.Decoder
	cieCache *lru.Cache
	fdeCache *lru.Cache
	index    []indexEntry

	initialized bool
}

// NewEhFrameSection returns a DwarfSection over raw .eh_frame bytes. vaddr
// is the runtime address of the section start and staticBase the load bias
// of the module it came from.
func NewEhFrameSection(data []byte, order binary.ByteOrder, vaddr, staticBase uint64, ptrSize int) *DwarfSection {
	return newDwarfSection(frame.EhFrame, data, order, vaddr, staticBase, ptrSize)
}

// NewDebugFrameSection returns a DwarfSection over raw .debug_frame bytes.
func NewDebugFrameSection(data []byte, order binary.ByteOrder, vaddr, staticBase uint64, ptrSize int) *DwarfSection {
	return newDwarfSection(frame.DebugFrame, data, order, vaddr, staticBase, ptrSize)
}

func newDwarfSection(kind frame.SectionKind, data []byte, order binary.ByteOrder, vaddr, staticBase uint64, ptrSize int) *DwarfSection {
	cieCache, _ := lru.New(cieCacheSize)
	fdeCache, _ := lru.New(fdeCacheSize)
	return &DwarfSection{
		decoder:  frame.NewDecoder(kind, data, order, vaddr, staticBase, ptrSize),
		cieCache: cieCache,
		fdeCache: fdeCache,
	}
}

// Init bounds the decoder to [offset, offset+length) and builds the PC
// index by walking every entry once. Any decode error fails the whole Init
// and leaves the section unusable, never partially indexed.
func (s *DwarfSection) Init(offset, length uint64) error {
	s.initialized = false
	s.index = nil
	s.cieCache.Purge()
	s.fdeCache.Purge()

	if err := s.decoder.Init(offset, length); err != nil {
		return err
	}

	end := offset + length
	for off := offset; off < end; {
		info, err := s.decoder.ScanEntry(off)
		if err != nil {
			return err
		}
		if info.Zero {
			if s.decoder.Kind() == frame.EhFrame {
				break
			}
			off = info.Next
			continue
		}
		if !info.IsCIE {
			fde, err := s.decoder.ParseFDE(off, s.resolveCIE)
			if err != nil {
				return err
			}
			if fde.End() > fde.Begin() {
				s.index = append(s.index, indexEntry{begin: fde.Begin(), end: fde.End(), offset: off})
				s.fdeCache.Add(off, fde)
			} else if logflags.FDEErrors() {
				logflags.FDEErrorsLogger().Debugf("skipping empty-range FDE at %#x", off)
			}
		}
		off = info.Next
	}

	sort.SliceStable(s.index, func(i, j int) bool {
		return s.index[i].begin < s.index[j].begin
	})
	s.initialized = true
	return nil
}

// NumEntries returns the number of indexed FDEs.
func (s *DwarfSection) NumEntries() int {
	return len(s.index)
}

// GetFdeOffsetFromPc returns the offset of the last FDE whose range starts
// at or before pc. When pc falls in a gap between functions this is the
// nearest preceding entry, which is why callers re-validate the parsed
// range.
func (s *DwarfSection) GetFdeOffsetFromPc(pc uint64) (uint64, bool) {
	if !s.initialized || len(s.index) == 0 {
		return 0, false
	}
	i := sort.Search(len(s.index), func(i int) bool {
		return s.index[i].begin > pc
	})
	if i == 0 {
		return 0, false
	}
	return s.index[i-1].offset, true
}

// GetFdeFromOffset parses the FDE at offset, consulting the cache first.
func (s *DwarfSection) GetFdeFromOffset(offset uint64) (*frame.FrameDescriptionEntry, error) {
	if fde, ok := s.fdeCache.Get(offset); ok {
		return fde.(*frame.FrameDescriptionEntry), nil
	}
	fde, err := s.decoder.ParseFDE(offset, s.resolveCIE)
	if err != nil {
		return nil, err
	}
	s.fdeCache.Add(offset, fde)
	return fde, nil
}

// GetFdeFromIndex returns the i-th FDE in PC order.
func (s *DwarfSection) GetFdeFromIndex(i int) (*frame.FrameDescriptionEntry, error) {
	if i < 0 || i >= len(s.index) {
		return nil, fmt.Errorf("%w: FDE index %d out of range [0, %d)", frame.ErrMalformed, i, len(s.index))
	}
	return s.GetFdeFromOffset(s.index[i].offset)
}

// GetCieFromOffset parses the CIE at offset, consulting the cache first.
func (s *DwarfSection) GetCieFromOffset(offset uint64) (*frame.CommonInformationEntry, error) {
	return s.resolveCIE(offset)
}

func (s *DwarfSection) resolveCIE(offset uint64) (*frame.CommonInformationEntry, error) {
	if cie, ok := s.cieCache.Get(offset); ok {
		return cie.(*frame.CommonInformationEntry), nil
	}
	cie, err := s.decoder.ParseCIE(offset)
	if err != nil {
		return nil, err
	}
	s.cieCache.Add(offset, cie)
	return cie, nil
}

// GetCfaLocationInfo interprets the CIE and FDE instruction streams up to
// pc and returns the resulting rule table.
func (s *DwarfSection) GetCfaLocationInfo(pc uint64, fde *frame.FrameDescriptionEntry) (*frame.FrameContext, error) {
	fctx, err := fde.EstablishFrame(pc)
	if err != nil {
		return nil, err
	}
	if logflags.CFI() {
		logflags.CFILogger().Debugf("rule table at pc=%#x: cfa=%s with %d register rules", pc, fctx.CFA, len(fctx.Regs))
	}
	return fctx, nil
}

// IsCie32 reports whether a 32-bit format discriminator identifies a CIE in
// this section's flavor.
func (s *DwarfSection) IsCie32(id uint32) bool { return s.decoder.IsCie32(id) }

// IsCie64 reports whether a 64-bit format discriminator identifies a CIE in
// this section's flavor.
func (s *DwarfSection) IsCie64(id uint64) bool { return s.decoder.IsCie64(id) }

// GetCieOffsetFromFde32 converts a 32-bit format FDE's CIE pointer, read at
// section offset fieldOffset, into an absolute section offset.
func (s *DwarfSection) GetCieOffsetFromFde32(fieldOffset uint64, ptr uint32) uint64 {
	return s.decoder.GetCieOffsetFromFde32(fieldOffset, ptr)
}

// GetCieOffsetFromFde64 is the 64-bit format counterpart of
// GetCieOffsetFromFde32.
func (s *DwarfSection) GetCieOffsetFromFde64(fieldOffset uint64, ptr uint64) uint64 {
	return s.decoder.GetCieOffsetFromFde64(fieldOffset, ptr)
}

// AdjustPcFromFde relocates a PC value parsed from an FDE into the runtime
// address space.
func (s *DwarfSection) AdjustPcFromFde(pc uint64) uint64 {
	return s.decoder.AdjustPcFromFde(pc)
}

// Log dumps the rule table in effect at pc to the unwind logger.
func (s *DwarfSection) Log(pc uint64, fde *frame.FrameDescriptionEntry) error {
	fctx, err := s.GetCfaLocationInfo(pc, fde)
	if err != nil {
		return err
	}
	logger := logflags.UnwindLogger()
	logger.Debugf("FDE offset=%#x [%#x, %#x) pc=%#x cfa=%s", fde.Offset, fde.Begin(), fde.End(), pc, fctx.CFA)

	regnums := make([]uint64, 0, len(fctx.Regs))
	for regnum := range fctx.Regs {
		regnums = append(regnums, regnum)
	}
	sort.Slice(regnums, func(i, j int) bool { return regnums[i] < regnums[j] })
	for _, regnum := range regnums {
		logger.Debugf("  r%d: %s", regnum, fctx.Regs[regnum])
	}
	return nil
}

var _ Section = (*DwarfSection)(nil)
