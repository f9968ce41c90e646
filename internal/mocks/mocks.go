// File: internal/mocks/mocks.go
package mocks

import (
	"github.com/stretchr/testify/mock"
	"github.com/xkilldash9x/veil/internal/config"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

var _ config.Interface = (*MockConfig)(nil)

// --- Getters ---

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Browser() config.BrowserConfig {
	args := m.Called()
	return args.Get(0).(config.BrowserConfig)
}

func (m *MockConfig) Interception() config.InterceptionConfig {
	args := m.Called()
	return args.Get(0).(config.InterceptionConfig)
}

func (m *MockConfig) Injection() config.InjectionConfig {
	args := m.Called()
	return args.Get(0).(config.InjectionConfig)
}

// --- Setters ---

func (m *MockConfig) SetBrowserHeadless(b bool) {
	m.Called(b)
}

func (m *MockConfig) SetBrowserDebug(b bool) {
	m.Called(b)
}

func (m *MockConfig) AddInjectionInitScriptFile(path string) {
	m.Called(path)
}
