// Command pgexporter-admin manages the on-disk master key and the
// users/admins credential files directly, per spec.md §6, without needing a
// running daemon.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/prometheus/common/version"

	"github.com/prometheus-community/pgexporter/internal/security"
)

var (
	app = kingpin.New("pgexporter-admin", "Offline credential administration for pgexporter.")

	masterKeyFile = app.Flag("master-key-file", "Path to the master key file.").Default("/etc/pgexporter/master.key").String()
	usersFile     = app.Flag("users-file", "Path to the users or admins file to operate on.").Default("/etc/pgexporter/pgexporter_users").String()

	masterKeyCmd = app.Command("master-key", "Generate a new master key file.")

	addUserCmd      = app.Command("add-user", "Add or replace a user's credential.")
	addUserName     = addUserCmd.Arg("username", "Username.").Required().String()
	addUserPassword = addUserCmd.Arg("password", "Plaintext password.").Required().String()

	updateUserCmd      = app.Command("update-user", "Change a user's password.")
	updateUserName     = updateUserCmd.Arg("username", "Username.").Required().String()
	updateUserPassword = updateUserCmd.Arg("password", "New plaintext password.").Required().String()

	removeUserCmd  = app.Command("remove-user", "Remove a user's credential.")
	removeUserName = removeUserCmd.Arg("username", "Username.").Required().String()

	listUsersCmd = app.Command("list-users", "List configured usernames.")
)

func main() {
	kingpin.Version(version.Print("pgexporter-admin"))
	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	switch cmd {
	case masterKeyCmd.FullCommand():
		runMasterKey()
	case addUserCmd.FullCommand():
		runAddUser(*addUserName, *addUserPassword)
	case updateUserCmd.FullCommand():
		runAddUser(*updateUserName, *updateUserPassword)
	case removeUserCmd.FullCommand():
		runRemoveUser(*removeUserName)
	case listUsersCmd.FullCommand():
		runListUsers()
	}
}

func runMasterKey() {
	encoded, err := security.GenerateMasterKey()
	if err != nil {
		fatal(err)
	}
	if err := security.WriteMasterKey(*masterKeyFile, encoded); err != nil {
		fatal(err)
	}
	fmt.Println("master key written to", *masterKeyFile)
}

func runAddUser(username, password string) {
	key := loadMasterKey()
	if err := security.AddUser(*usersFile, key, username, password); err != nil {
		fatal(err)
	}
	fmt.Println("user", username, "written to", *usersFile)
}

func runRemoveUser(username string) {
	if err := security.RemoveUser(*usersFile, username); err != nil {
		fatal(err)
	}
	fmt.Println("user", username, "removed from", *usersFile)
}

func runListUsers() {
	records, err := security.ReadRecords(*usersFile)
	if err != nil {
		fatal(err)
	}
	for _, r := range records {
		fmt.Println(r.Username)
	}
}

func loadMasterKey() []byte {
	key, err := security.LoadMasterKey(*masterKeyFile)
	if err != nil {
		fatal(err)
	}
	return key
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "pgexporter-admin:", err)
	os.Exit(1)
}
