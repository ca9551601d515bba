package main

import (
	"fmt"

	"github.com/hubbak/hubbak/internal/registry"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cached Hub state and session status",
	Long:  `Show the registry's cached backup record, profile, credentials and any resumable session, without contacting the Hub.`,
	RunE:  showStatus,
}

func showStatus(cmd *cobra.Command, args []string) error {
	reg, err := registry.New(stateDir)
	if err != nil {
		return err
	}

	record, err := reg.BackupRecord()
	if err != nil {
		return err
	}
	profile, err := reg.Profile()
	if err != nil {
		return err
	}
	creds, err := reg.Credentials()
	if err != nil {
		return err
	}
	resumeConf, err := reg.ResumeConf()
	if err != nil {
		return err
	}

	fmt.Printf("Registry: %s\n", reg.Dir())
	fmt.Println()

	if record != nil {
		fmt.Println("Backup record:")
		fmt.Printf("  ID: %s\n", record.BackupID)
		fmt.Printf("  Address: %s\n", record.Address)
	} else {
		fmt.Println("Backup record: (none, will be created on first backup)")
	}

	fmt.Println()
	if profile != nil {
		fmt.Println("Profile:")
		fmt.Printf("  Version: %s\n", profile.Version)
		fmt.Printf("  Timestamp: %s\n", profile.Timestamp.Format("2006-01-02 15:04:05"))
		fmt.Printf("  Stock dirs: %d\n", len(profile.StockDirs))
		fmt.Printf("  Stock packages: %d\n", len(profile.Packages))
	} else {
		fmt.Println("Profile: (none cached)")
	}

	fmt.Println()
	fmt.Printf("Credentials cached: %v\n", creds != nil)

	fmt.Println()
	if resumeConf != nil {
		fmt.Println("Resumable session: yes (run 'hubbak backup --resume' to continue)")
	} else {
		fmt.Println("Resumable session: no")
	}

	return nil
}
