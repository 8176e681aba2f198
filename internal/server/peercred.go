package server

import (
	"fmt"
	"net"
	"os"
	"os/user"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// PeerCred is the kernel-attested identity of a connected client.
type PeerCred struct {
	PID    int
	UID    uint32
	GID    uint32
	User   string
	Groups []uint32
}

// IsRoot reports whether the peer runs as uid 0.
func (pc *PeerCred) IsRoot() bool {
	return pc.UID == 0
}

// peerCredentials reads SO_PEERCRED off the connection and resolves the
// peer's username and supplementary groups. The username is what clients
// are matched against for UID disclosure; the groups feed the
// credential-writer child.
func peerCredentials(conn *net.UnixConn) (*PeerCred, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("raw conn: %w", err)
	}

	var (
		ucred    *unix.Ucred
		ucredErr error
	)

	if err := raw.Control(func(fd uintptr) {
		ucred, ucredErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return nil, fmt.Errorf("control: %w", err)
	}

	if ucredErr != nil {
		return nil, fmt.Errorf("SO_PEERCRED: %w", ucredErr)
	}

	u, err := user.LookupId(strconv.FormatUint(uint64(ucred.Uid), 10))
	if err != nil {
		return nil, fmt.Errorf("resolve uid %d: %w", ucred.Uid, err)
	}

	gidStrings, err := u.GroupIds()
	if err != nil {
		return nil, fmt.Errorf("resolve groups of uid %d: %w", ucred.Uid, err)
	}

	groups := make([]uint32, 0, len(gidStrings))

	for _, g := range gidStrings {
		gid, parseErr := strconv.ParseUint(g, 10, 32)
		if parseErr != nil {
			continue
		}

		groups = append(groups, uint32(gid))
	}

	return &PeerCred{
		PID:    int(ucred.Pid),
		UID:    ucred.Uid,
		GID:    ucred.Gid,
		User:   u.Username,
		Groups: groups,
	}, nil
}

// -------------------------------------------------------------------------
// Process Ancestry
// -------------------------------------------------------------------------

// isRemoteClient walks the client's parent process chain and reports
// whether any ancestor is one of the configured remote shell processes.
// A client descended from sshd holds a tag on a reader it cannot see;
// answering it would let a remote attacker ride a locally present tag.
func isRemoteClient(pid int, remoteNames []string) bool {
	if len(remoteNames) == 0 {
		return false
	}

	names := make(map[string]struct{}, len(remoteNames))
	for _, n := range remoteNames {
		names[n] = struct{}{}
	}

	return ancestryContains("/proc", pid, names)
}

// ancestryContains implements isRemoteClient against an arbitrary procfs
// root.
func ancestryContains(procRoot string, pid int, names map[string]struct{}) bool {
	// Bounded walk: a parent chain deeper than this is a procfs parsing
	// bug, not a real process tree.
	for depth := 0; pid > 1 && depth < 64; depth++ {
		comm, ppid, err := statProcess(procRoot, pid)
		if err != nil {
			// A vanished ancestor means the chain cannot be attested;
			// fail closed.
			return true
		}

		if _, remote := names[comm]; remote {
			return true
		}

		pid = ppid
	}

	return false
}

// statProcess extracts (comm, ppid) from /proc/<pid>/stat. The comm
// field is parenthesized and may itself contain parentheses or spaces,
// so it is delimited by the last ')' in the line.
func statProcess(procRoot string, pid int) (comm string, ppid int, err error) {
	data, err := os.ReadFile(fmt.Sprintf("%s/%d/stat", procRoot, pid))
	if err != nil {
		return "", 0, fmt.Errorf("read stat: %w", err)
	}

	s := string(data)

	open := strings.IndexByte(s, '(')
	closing := strings.LastIndexByte(s, ')')

	if open < 0 || closing < open || closing+2 >= len(s) {
		return "", 0, fmt.Errorf("malformed stat for pid %d", pid)
	}

	comm = s[open+1 : closing]

	rest := strings.Fields(s[closing+2:])
	if len(rest) < 2 {
		return "", 0, fmt.Errorf("malformed stat for pid %d", pid)
	}

	ppid, err = strconv.Atoi(rest[1])
	if err != nil {
		return "", 0, fmt.Errorf("parse ppid for pid %d: %w", pid, err)
	}

	return comm, ppid, nil
}
