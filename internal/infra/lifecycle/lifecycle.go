// Package lifecycle — менеджер управляемых подсистем пайплайна.
// Узлы регистрируются с родителем и явными зависимостями; менеджер гарантирует
// запуск в топологическом порядке (store раньше очереди, очередь раньше
// диспетчера, источник — последним) и остановку строго в обратном порядке.
// Каждый узел получает контекст, производный от родительского: отмена корня
// каскадно гасит всё дерево.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"marketnotify/internal/infra/logger"
)

// StartFunc запускает узел. Контекст узла отменяется при остановке; ошибка
// помечает узел failed и прерывает запуск зависимых от него.
type StartFunc func(ctx context.Context) error

// StopFunc останавливает узел. На момент вызова контекст узла уже отменён,
// реализация должна дождаться фоновых горутин и освободить ресурсы.
type StopFunc func(ctx context.Context) error

// nodeStatus — состояние узла в жизненном цикле.
type nodeStatus int

const (
	statusRegistered nodeStatus = iota
	statusStarting
	statusRunning
	statusStopping
	statusStopped
	statusFailed
)

const rootName = "root"

type node struct {
	name   string
	parent string
	deps   []string

	start StartFunc
	stop  StopFunc

	ctx    context.Context
	cancel context.CancelFunc
	status nodeStatus
	err    error
}

// Manager управляет набором узлов. Потокобезопасен.
type Manager struct {
	mu         sync.Mutex
	nodes      map[string]*node
	startOrder []string // фактический порядок запуска, нужен для обратной остановки
}

// New создаёт менеджер с корневым узлом в состоянии Running.
// Nil-контекст заменяется на context.Background().
func New(rootCtx context.Context) *Manager {
	if rootCtx == nil {
		rootCtx = context.Background()
	}
	return &Manager{
		nodes: map[string]*node{
			rootName: {
				name:   rootName,
				ctx:    rootCtx,
				status: statusRunning,
			},
		},
	}
}

// Register добавляет узел name. Пустой parent означает root. deps — узлы,
// которые должны быть запущены ДО текущего. Дубликаты и parent из deps
// удаляются; зависимость от самого себя — ошибка.
func (m *Manager) Register(name, parent string, deps []string, start StartFunc, stop StopFunc) error {
	if name == "" || name == rootName {
		return fmt.Errorf("lifecycle: invalid node name %q", name)
	}
	if parent == "" {
		parent = rootName
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.nodes[name]; exists {
		return fmt.Errorf("lifecycle: node %q already registered", name)
	}
	if _, ok := m.nodes[parent]; !ok {
		return fmt.Errorf("lifecycle: parent %q not found for node %q", parent, name)
	}

	uniqueDeps := slices.Compact(slices.Clone(deps))
	uniqueDeps = slices.DeleteFunc(uniqueDeps, func(d string) bool { return d == parent })
	if slices.Contains(uniqueDeps, name) {
		return fmt.Errorf("lifecycle: node %q cannot depend on itself", name)
	}

	m.nodes[name] = &node{
		name:   name,
		parent: parent,
		deps:   uniqueDeps,
		start:  start,
		stop:   stop,
		status: statusRegistered,
	}
	return nil
}

// StartAll запускает все узлы с учётом зависимостей. Проход по именам
// отсортирован для стабильных логов; фактический порядок фиксируется в
// startOrder после рекурсивного подъёма родителей и deps.
func (m *Manager) StartAll() error {
	m.mu.Lock()
	names := make([]string, 0, len(m.nodes))
	for name := range m.nodes {
		if name != rootName {
			names = append(names, name)
		}
	}
	m.mu.Unlock()

	slices.Sort(names)

	var errs error
	for _, name := range names {
		if err := m.startNode(name); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	logger.Debugf("lifecycle start order: %v", m.StartOrder())
	return errs
}

// StartOrder возвращает копию фактического порядка запуска.
func (m *Manager) StartOrder() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.startOrder)
}

// startNode рекурсивно запускает узел: сначала родитель и deps, затем сам узел
// с дочерним контекстом. Повторный вход в Starting трактуется как цикл.
func (m *Manager) startNode(name string) error {
	m.mu.Lock()
	n, exists := m.nodes[name]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("lifecycle: node %q not registered", name)
	}
	switch n.status {
	case statusRunning:
		m.mu.Unlock()
		return nil
	case statusStarting:
		m.mu.Unlock()
		return fmt.Errorf("lifecycle: detected cycle while starting %q", name)
	default:
	}
	n.status = statusStarting
	m.mu.Unlock()

	if n.parent != "" {
		if err := m.startNode(n.parent); err != nil {
			m.setNodeFailed(name, err)
			return err
		}
	}
	for _, dep := range n.deps {
		if err := m.startNode(dep); err != nil {
			m.setNodeFailed(name, err)
			return err
		}
	}

	parentCtx, err := m.nodeContext(n.parent)
	if err != nil {
		m.setNodeFailed(name, err)
		return err
	}

	childCtx, cancel := context.WithCancel(parentCtx)
	if n.start != nil {
		if errStart := n.start(childCtx); errStart != nil {
			cancel()
			m.setNodeFailed(name, errStart)
			logger.Errorf("failed to start node %s: %v", name, errStart)
			return errStart
		}
	}

	m.mu.Lock()
	n.ctx = childCtx
	n.cancel = cancel
	n.status = statusRunning
	n.err = nil
	if !slices.Contains(m.startOrder, name) {
		m.startOrder = append(m.startOrder, name)
	}
	m.mu.Unlock()

	logger.Debugf("node %s is running", name)
	return nil
}

// nodeContext возвращает контекст узла или ошибку, если он ещё не стартовал.
func (m *Manager) nodeContext(name string) (context.Context, error) {
	if name == "" {
		name = rootName
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[name]
	if !ok {
		return nil, fmt.Errorf("node %q not registered", name)
	}
	if n.ctx == nil {
		return nil, fmt.Errorf("node %q has no context", name)
	}
	return n.ctx, nil
}

// Shutdown останавливает запущенные узлы в порядке, обратном фактическому
// старту: дочерние гаснут раньше родителей. Возвращает объединённую ошибку.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	order := slices.Clone(m.startOrder)
	m.mu.Unlock()
	logger.Debugf("shutdown order: %v", order)

	var errs error
	for i := len(order) - 1; i >= 0; i-- {
		if err := m.stopNode(order[i]); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

// stopNode отменяет контекст узла, вызывает StopFunc и фиксирует итог.
func (m *Manager) stopNode(name string) error {
	m.mu.Lock()
	n, exists := m.nodes[name]
	if !exists || n.status != statusRunning {
		m.mu.Unlock()
		return nil
	}
	n.status = statusStopping
	cancel := n.cancel
	stopFn := n.stop
	nodeCtx := n.ctx
	m.mu.Unlock()

	// Сначала отмена контекста — штатный сигнал фоновым горутинам узла.
	if cancel != nil {
		cancel()
	}

	var err error
	if stopFn != nil {
		err = stopFn(nodeCtx)
	}

	m.mu.Lock()
	if err != nil {
		n.status = statusFailed
		n.err = err
	} else {
		n.status = statusStopped
		n.err = nil
	}
	m.mu.Unlock()

	if err != nil {
		logger.Errorf("node %s stopped with error: %v", name, err)
	} else {
		logger.Debugf("node %s stopped", name)
	}
	return err
}

func (m *Manager) setNodeFailed(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.nodes[name]; ok {
		n.status = statusFailed
		n.err = err
	}
}
