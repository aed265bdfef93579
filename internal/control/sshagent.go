package control

import (
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"syscall"

	"github.com/jbweber/v2v-wrapper/internal/wlog"
)

// sshAuthSockRE/sshAgentPidRE parse ssh-agent's sh-style startup output,
// e.g. "SSH_AUTH_SOCK=/tmp/ssh-XXX/agent.123; export SSH_AUTH_SOCK;\necho
// Agent pid 124;" (spec.md §4.7 SSH_AGENT_READY?).
var (
	sshAuthSockRE = regexp.MustCompile(`(?m)^SSH_AUTH_SOCK=([^;]+);`)
	sshAgentPidRE = regexp.MustCompile(`(?m)^echo Agent pid ([0-9]+);`)
)

// sshAgent is a running ssh-agent process started under the converter's
// uid/gid, holding one identity loaded via ssh-add.
type sshAgent struct {
	pid  int
	sock string
}

// startSSHAgent spawns ssh-agent as uid/gid (via setpriv) and loads keyFile
// into it, mirroring spawn_ssh_agent. An empty keyFile falls back to
// whatever identities are already present under the converter's ~/.ssh.
func startSSHAgent(uid, gid int, keyFile string, logger *wlog.Logger) (*sshAgent, error) {
	cmd := exec.Command("setpriv",
		fmt.Sprintf("--reuid=%d", uid), fmt.Sprintf("--regid=%d", gid),
		"--clear-groups", "ssh-agent")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("failed to start ssh-agent: %w (output: %s)", err, out)
	}

	sockMatch := sshAuthSockRE.FindSubmatch(out)
	pidMatch := sshAgentPidRE.FindSubmatch(out)
	if sockMatch == nil || pidMatch == nil {
		return nil, fmt.Errorf("incomplete match of ssh-agent output: %s", out)
	}
	sock := string(sockMatch[1])
	pid, err := strconv.Atoi(string(pidMatch[1]))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh-agent pid: %w", err)
	}
	logger.Printf("ssh-agent started with pid %d", pid)

	agent := &sshAgent{pid: pid, sock: sock}

	addArgs := []string{
		fmt.Sprintf("--reuid=%d", uid), fmt.Sprintf("--regid=%d", gid),
		"--clear-groups", "ssh-add",
	}
	if keyFile != "" {
		addArgs = append(addArgs, keyFile)
	}
	addCmd := exec.Command("setpriv", addArgs...)
	addCmd.Env = append(os.Environ(), "SSH_AUTH_SOCK="+sock)
	if addOut, err := addCmd.CombinedOutput(); err != nil {
		agent.Kill()
		return nil, fmt.Errorf("failed to add SSH key(s) to agent: %w (output: %s)", err, addOut)
	}
	return agent, nil
}

// Kill terminates the agent process (spec.md §4.7, agent lifetime bound to
// the run).
func (a *sshAgent) Kill() {
	if a == nil || a.pid == 0 {
		return
	}
	_ = syscall.Kill(a.pid, syscall.SIGTERM)
}
