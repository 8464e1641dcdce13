package terminal

import (
	"os"
	"strconv"
	"strings"
)

// SessionProcesses lists the live (non-zombie) processes whose session id is
// sid, read from /proc.
func SessionProcesses(sid int) ([]int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}
	var pids []int
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid <= 0 {
			continue
		}
		state, session, ok := readStat(pid)
		if !ok || session != sid || state == 'Z' || state == 'X' {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

// readStat returns the state and session fields of /proc/<pid>/stat.
func readStat(pid int) (state byte, session int, ok bool) {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0, 0, false
	}
	// comm may contain spaces and parens; fields resume after the last ')'.
	s := string(data)
	i := strings.LastIndexByte(s, ')')
	if i < 0 || i+2 > len(s) {
		return 0, 0, false
	}
	// state ppid pgrp session ...
	fields := strings.Fields(s[i+1:])
	if len(fields) < 4 || len(fields[0]) != 1 {
		return 0, 0, false
	}
	session, err = strconv.Atoi(fields[3])
	if err != nil {
		return 0, 0, false
	}
	return fields[0][0], session, true
}
