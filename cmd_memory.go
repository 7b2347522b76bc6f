package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taskwave/taskwave/internal/memory"
)

var (
	memoryDomain      string
	memoryDescription string
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Inspect and provision domain memory",
	RunE:  runMemoryShow,
}

var memoryShowCmd = &cobra.Command{
	Use:   "show [session-id]",
	Short: "List memory documents, or render one session's memory",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runMemoryShow,
}

var memoryInitCmd = &cobra.Command{
	Use:   "init <session-id>",
	Short: "Create the memory document for a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runMemoryInit,
}

func init() {
	memoryCmd.PersistentFlags().StringVar(&memoryDomain, "domain", "", "Memory domain (default from settings)")
	memoryInitCmd.Flags().StringVar(&memoryDescription, "description", "", "Description stored in the new document")
	memoryCmd.AddCommand(memoryShowCmd, memoryInitCmd)

	rootCmd.AddCommand(memoryCmd)
}

// openMemoryStore builds a read/write handle on the configured storage root.
func openMemoryStore() (*memory.Store, string, error) {
	settings, err := loadSettings()
	if err != nil {
		return nil, "", err
	}
	dom := memoryDomain
	if dom == "" {
		dom = settings.Memory.DefaultDomain
	}
	return memory.NewStore(settings.Memory.StorageDir, logger), dom, nil
}

func runMemoryShow(cmd *cobra.Command, args []string) error {
	ms, dom, err := openMemoryStore()
	if err != nil {
		return err
	}

	if len(args) == 1 {
		sessionID := args[0]
		m, err := findMemory(ms, dom, sessionID)
		if err != nil {
			return err
		}
		fmt.Print(m.Render())
		return nil
	}

	domains, err := ms.Domains()
	if err != nil {
		return err
	}
	if len(domains) == 0 {
		fmt.Printf("No memory documents under %s.\n", ms.Root())
		return nil
	}
	for _, d := range domains {
		metas, err := ms.Sessions(d)
		if err != nil {
			return err
		}
		fmt.Printf("%s (%d session(s))\n", d, len(metas))
		for _, meta := range metas {
			line := fmt.Sprintf("  %s  %s", shortID(meta.SessionID), meta.CreatedAt.Format("2006-01-02 15:04"))
			if meta.Description != "" {
				line += "  " + clipLine(meta.Description, 60)
			}
			fmt.Println(line)
		}
	}
	return nil
}

func runMemoryInit(cmd *cobra.Command, args []string) error {
	ms, dom, err := openMemoryStore()
	if err != nil {
		return err
	}

	sessionID := args[0]
	if ms.Exists(dom, sessionID) {
		return fmt.Errorf("memory already exists for %s/%s", dom, sessionID)
	}
	m, err := ms.Create(dom, sessionID, memoryDescription)
	if err != nil {
		return err
	}
	fmt.Printf("Initialized memory at %s\n", m.Dir())
	return nil
}

// findMemory opens a session document, accepting an ID prefix. Without
// --domain every domain is searched; an ambiguous prefix is an error.
func findMemory(ms *memory.Store, dom, idOrPrefix string) (*memory.Memory, error) {
	if ms.Exists(dom, idOrPrefix) {
		return ms.Open(dom, idOrPrefix)
	}

	domains := []string{dom}
	if memoryDomain == "" {
		all, err := ms.Domains()
		if err != nil {
			return nil, err
		}
		domains = all
	}

	var foundDomain, foundID string
	for _, d := range domains {
		metas, err := ms.Sessions(d)
		if err != nil {
			return nil, err
		}
		for _, meta := range metas {
			if meta.SessionID == idOrPrefix ||
				(len(idOrPrefix) >= 4 && len(meta.SessionID) > len(idOrPrefix) && meta.SessionID[:len(idOrPrefix)] == idOrPrefix) {
				if foundID != "" && foundID != meta.SessionID {
					return nil, fmt.Errorf("prefix %q is ambiguous (%s/%s and %s/%s)",
						idOrPrefix, foundDomain, shortID(foundID), d, shortID(meta.SessionID))
				}
				foundDomain, foundID = d, meta.SessionID
			}
		}
	}
	if foundID == "" {
		return nil, fmt.Errorf("no memory document matches %q", idOrPrefix)
	}
	return ms.Open(foundDomain, foundID)
}
