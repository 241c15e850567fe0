package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrNotFound는 id에 해당하는 프로세스가 없을 때 반환됩니다
var ErrNotFound = errors.New("process not found")

// Process는 실행 중인 외부 인코더 프로세스 정보
type Process struct {
	ID        string
	Command   string
	Args      []string
	Pid       int
	StartedAt time.Time

	// Stdin은 프로세스 입력 파이프 (raw 프레임 기록용)
	Stdin io.WriteCloser
	// Stdout은 프로세스 출력 파이프 (인코딩된 비트스트림)
	// 프로세스가 끝나도 남은 출력은 EOF까지 읽을 수 있으며, 다 읽은 쪽이 닫습니다
	Stdout io.ReadCloser

	cmd        *exec.Cmd
	cancelFunc context.CancelFunc
	done       chan struct{}
	err        error
}

// Done은 프로세스가 종료되면 닫히는 채널을 반환합니다
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Err는 프로세스 종료 에러를 반환합니다 (Done 이후에만 의미 있음)
func (p *Process) Err() error {
	<-p.done
	return p.err
}

// Info는 API 노출용 프로세스 요약입니다
type Info struct {
	ID        string    `json:"id"`
	Command   string    `json:"command"`
	Pid       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// Manager는 파이프라인이 띄운 인코더 프로세스를 관리합니다
type Manager struct {
	processes map[string]*Process
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewManager는 새로운 프로세스 매니저를 생성합니다
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		processes: make(map[string]*Process),
		logger:    logger,
	}
}

// Start는 새로운 프로세스를 stdin/stdout 파이프와 함께 시작합니다
func (m *Manager) Start(id, command string, args []string) (*Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.processes[id]; exists {
		return nil, fmt.Errorf("process %s is already running", id)
	}

	path, err := exec.LookPath(command)
	if err != nil {
		return nil, fmt.Errorf("failed to find %s: %w", command, err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	cmd := exec.CommandContext(ctx, path, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open stdin: %w", err)
	}

	// 읽기 쪽은 Wait가 닫지 않도록 os.Pipe로 직접 연결
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		cancel()
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("failed to open stderr: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	err = cmd.Start()
	// 쓰기 쪽은 자식만 가져야 종료 시 EOF가 옴
	stdoutW.Close()
	stderrW.Close()
	if err != nil {
		cancel()
		stdoutR.Close()
		stderrR.Close()
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	proc := &Process{
		ID:         id,
		Command:    command,
		Args:       args,
		Pid:        cmd.Process.Pid,
		StartedAt:  time.Now(),
		Stdin:      stdin,
		Stdout:     stdoutR,
		cmd:        cmd,
		cancelFunc: cancel,
		done:       make(chan struct{}),
	}

	m.processes[id] = proc

	m.logger.Info("Process started",
		zap.String("id", id),
		zap.String("command", command),
		zap.Int("pid", proc.Pid),
	)

	go m.logStderr(proc, stderrR)
	go m.monitorProcess(proc)

	return proc, nil
}

// Stop은 프로세스를 중지하고 종료를 기다립니다
func (m *Manager) Stop(id string) error {
	m.mu.RLock()
	proc, exists := m.processes[id]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	// stdin을 닫으면 ffmpeg는 스스로 종료하지만, 기다리지 않고 바로 kill
	_ = proc.Stdin.Close()
	proc.cancelFunc()

	select {
	case <-proc.done:
	case <-time.After(5 * time.Second):
		m.logger.Warn("Process did not exit in time", zap.String("id", id))
	}

	m.logger.Info("Process stopped", zap.String("id", id))
	return nil
}

// IsRunning은 프로세스가 실행 중인지 확인합니다
func (m *Manager) IsRunning(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, exists := m.processes[id]
	return exists
}

// List는 실행 중인 프로세스 목록을 id 순으로 반환합니다
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]Info, 0, len(m.processes))
	for _, proc := range m.processes {
		infos = append(infos, Info{
			ID:        proc.ID,
			Command:   proc.Command,
			Pid:       proc.Pid,
			StartedAt: proc.StartedAt,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })

	return infos
}

// monitorProcess는 프로세스 종료를 감시하고 목록에서 제거합니다
func (m *Manager) monitorProcess(proc *Process) {
	err := proc.cmd.Wait()
	proc.err = err
	proc.cancelFunc()

	m.mu.Lock()
	delete(m.processes, proc.ID)
	m.mu.Unlock()

	close(proc.done)

	m.logger.Info("Process exited",
		zap.String("id", proc.ID),
		zap.Error(err),
	)
}

// logStderr는 프로세스 stderr를 줄 단위로 로그에 남깁니다
func (m *Manager) logStderr(proc *Process, r io.ReadCloser) {
	defer r.Close()

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		m.logger.Warn("Process stderr",
			zap.String("id", proc.ID),
			zap.String("line", sc.Text()),
		)
	}
}

// StopAll은 모든 프로세스를 중지합니다
func (m *Manager) StopAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.processes))
	for id := range m.processes {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.Stop(id); err != nil && !errors.Is(err, ErrNotFound) {
			m.logger.Error("Failed to stop process",
				zap.String("id", id),
				zap.Error(err),
			)
		}
	}
}
