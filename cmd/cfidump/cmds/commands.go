// Package cmds implements the cfidump command line interface.
package cmds

import (
	"debug/elf"
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ShiznitsO/system-core/pkg/dwarf/frame"
	"github.com/ShiznitsO/system-core/pkg/dwarf/op"
	"github.com/ShiznitsO/system-core/pkg/logflags"
	"github.com/ShiznitsO/system-core/pkg/unwind"
	"github.com/ShiznitsO/system-core/pkg/version"
)

var (
	logFlag     bool
	logOutput   string
	sectionName string
	pcFlag      string
)

// New returns the root cfidump command.
func New() *cobra.Command {
	rootCommand := &cobra.Command{
		Use:   "cfidump",
		Short: "Inspect DWARF call frame information in ELF binaries.",
		Long: `cfidump reads the .eh_frame or .debug_frame section of an ELF binary and
prints the frame description entries it contains, or the unwind rule table
in effect at a given program counter.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logflags.Setup(logFlag, logOutput)
		},
		SilenceUsage: true,
	}
	rootCommand.PersistentFlags().BoolVar(&logFlag, "log", false, "Enable debug logging.")
	rootCommand.PersistentFlags().StringVar(&logOutput, "log-output", "", "Comma separated list of components to log (unwind,cfi,op,fdeerrors).")
	rootCommand.PersistentFlags().StringVar(&sectionName, "section", "", "Unwind section to read: eh_frame or debug_frame. Defaults to whichever is present.")

	dumpCommand := &cobra.Command{
		Use:   "dump <binary>",
		Short: "List the PC range of every frame description entry.",
		Args:  cobra.ExactArgs(1),
		RunE:  dumpCmd,
	}
	rootCommand.AddCommand(dumpCommand)

	rulesCommand := &cobra.Command{
		Use:   "rules --pc <address> <binary>",
		Short: "Print the unwind rule table in effect at a program counter.",
		Args:  cobra.ExactArgs(1),
		RunE:  rulesCmd,
	}
	rulesCommand.Flags().StringVar(&pcFlag, "pc", "", "Program counter to resolve, e.g. 0x401234.")
	_ = rulesCommand.MarkFlagRequired("pc")
	rootCommand.AddCommand(rulesCommand)

	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Print version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cfidump\n%s\n", version.CfidumpVersion)
		},
	}
	rootCommand.AddCommand(versionCommand)

	return rootCommand
}

// openSection loads the requested unwind section of the binary at path and
// returns an initialized DwarfSection over it.
func openSection(path string) (*unwind.DwarfSection, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ptrSize := 8
	if f.Class == elf.ELFCLASS32 {
		ptrSize = 4
	}

	order := f.ByteOrder
	if info := f.Section(".debug_info"); info != nil {
		if data, err := info.Data(); err == nil && len(data) >= 6 {
			order = frame.DwarfEndian(data)
		}
	}

	type candidate struct {
		name string
		kind frame.SectionKind
	}
	var candidates []candidate
	switch sectionName {
	case "":
		candidates = []candidate{{".eh_frame", frame.EhFrame}, {".debug_frame", frame.DebugFrame}}
	case "eh_frame":
		candidates = []candidate{{".eh_frame", frame.EhFrame}}
	case "debug_frame":
		candidates = []candidate{{".debug_frame", frame.DebugFrame}}
	default:
		return nil, fmt.Errorf("unknown section %q, want eh_frame or debug_frame", sectionName)
	}

	for _, c := range candidates {
		sec := f.Section(c.name)
		if sec == nil {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", c.name, err)
		}
		var s *unwind.DwarfSection
		if c.kind == frame.EhFrame {
			s = unwind.NewEhFrameSection(data, order, sec.Addr, 0, ptrSize)
		} else {
			s = unwind.NewDebugFrameSection(data, order, sec.Addr, 0, ptrSize)
		}
		if err := s.Init(0, uint64(len(data))); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", c.name, err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("%s has no unwind section", path)
}

func dumpCmd(cmd *cobra.Command, args []string) error {
	s, err := openSection(args[0])
	if err != nil {
		return err
	}
	for i := 0; i < s.NumEntries(); i++ {
		fde, err := s.GetFdeFromIndex(i)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "fde %4d: pc [%#x, %#x) offset %#x cie %#x\n",
			i, fde.Begin(), fde.End(), fde.Offset, fde.CIE.Offset)
	}
	return nil
}

func rulesCmd(cmd *cobra.Command, args []string) error {
	pc, err := strconv.ParseUint(pcFlag, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid --pc value %q: %w", pcFlag, err)
	}
	s, err := openSection(args[0])
	if err != nil {
		return err
	}
	fde, err := unwind.GetFdeFromPc(s, pc)
	if err != nil {
		return err
	}
	fctx, err := s.GetCfaLocationInfo(pc, fde)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "fde: pc [%#x, %#x) offset %#x\n", fde.Begin(), fde.End(), fde.Offset)
	fmt.Fprintf(out, "cfa: %s\n", fctx.CFA)
	regnums := make([]uint64, 0, len(fctx.Regs))
	for regnum := range fctx.Regs {
		regnums = append(regnums, regnum)
	}
	sort.Slice(regnums, func(i, j int) bool { return regnums[i] < regnums[j] })
	for _, regnum := range regnums {
		rule := fctx.Regs[regnum]
		fmt.Fprintf(out, "r%d: %s", regnum, rule)
		if rule.Rule == frame.RuleExpression || rule.Rule == frame.RuleValExpression {
			fmt.Fprintf(out, "\n")
			op.PrettyPrint(out, rule.Expression)
		}
		fmt.Fprintf(out, "\n")
	}
	fmt.Fprintf(out, "return address register: r%d\n", fctx.RetAddrReg)
	return nil
}
